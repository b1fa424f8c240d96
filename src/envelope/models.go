package envelope

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
)

// Event kinds for the three layers of a private message.
const (
	KindChat     = 14   // the unsigned inner rumor
	KindSeal     = 13   // rumor encrypted to the recipient, signed by the real sender
	KindGiftWrap = 1059 // seal encrypted again under a throwaway key, the only layer a relay sees
)

// How far into the past an outer timestamp may be shifted. Two days, per
// the protocol text.
const timestampJitter = 2 * 24 * 60 * 60

// Errors produced while unwrapping. These are per-message conditions; a
// shared relay feed routinely contains envelopes we cannot open.
var (
	ErrNotAddressedToUs = errors.New("envelope not addressed to us")
	ErrDecryptFailed    = errors.New("envelope decryption failed")
	ErrBadSignature     = errors.New("seal signature invalid")
	ErrMalformed        = errors.New("malformed envelope")
)

// Rumor is the innermost layer: the actual message, unsigned. It never
// travels outside a seal. Keeping it a distinct type from the signed
// layers means it cannot accidentally be published or signed as-is.
type Rumor struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      nostr.Tags      `json:"tags"`
	Content   string          `json:"content"`
}

// NewRumor builds a chat rumor from the sender to the recipient. The
// recipient tag inside the rumor is what an independent client expects
// for threading.
func NewRumor(senderPublic, recipientPublic, content string) (r Rumor) {
	r = Rumor{
		PubKey:    senderPublic,
		CreatedAt: nostr.Now(),
		Kind:      KindChat,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPublic}},
		Content:   content,
	}
	r.ID = r.hash()
	return
}

// hash computes the canonical event id of the rumor (an event id over the
// unsigned fields).
func (r Rumor) hash() string {
	ev := nostr.Event{
		PubKey:    r.PubKey,
		CreatedAt: r.CreatedAt,
		Kind:      r.Kind,
		Tags:      r.Tags,
		Content:   r.Content,
	}
	return ev.GetID()
}

func (r Rumor) marshal() ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRumor(b []byte) (r Rumor, err error) {
	err = json.Unmarshal(b, &r)
	if err != nil {
		err = errors.Wrap(ErrMalformed, err.Error())
		return
	}
	if r.Tags == nil {
		r.Tags = nostr.Tags{}
	}
	return
}

// recipientOf returns the public key in the first "p" tag of a wrap.
func recipientOf(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			return tag[1]
		}
	}
	return ""
}
