package envelope

import (
	"encoding/json"
	"math/rand"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/pkg/errors"

	"github.com/9qeklajc/nmcpparrot/src/keypair"
)

// Seal is the middle layer: the rumor encrypted under the sender/recipient
// conversation key, carried in an event signed by the real sender. Only
// the recipient can learn who signed it.
type Seal struct {
	Event nostr.Event
}

// GiftWrap is the outer layer: the seal encrypted under a conversation key
// derived from a single-use throwaway key, addressed to the recipient with
// a "p" tag. This is the only layer a relay ever stores.
type GiftWrap struct {
	Event nostr.Event
}

// Wrap seals a rumor for the recipient and wraps the seal under a fresh
// ephemeral key. Both outer timestamps are independently shifted into the
// past so relay metadata cannot be correlated with the real send time.
func Wrap(sender *keypair.Keys, recipientPublic string, r Rumor) (wrapped *nostr.Event, err error) {
	s, err := newSeal(sender, recipientPublic, r)
	if err != nil {
		return
	}
	g, err := newGiftWrap(s, recipientPublic)
	if err != nil {
		return
	}
	wrapped = &g.Event
	return
}

// Unwrap opens a gift wrap addressed to us and returns the inner rumor
// together with the verified sender public key.
func Unwrap(ev *nostr.Event, own *keypair.Keys) (r Rumor, sender string, err error) {
	if ev.Kind != KindGiftWrap {
		err = errors.Wrap(ErrMalformed, "not a gift wrap kind")
		return
	}
	if recipientOf(ev) != own.PublicHex() {
		err = ErrNotAddressedToUs
		return
	}

	// outer layer: key agreement with the ephemeral key that signed the wrap
	outerKey, err := own.ConversationKey(ev.PubKey)
	if err != nil {
		err = errors.Wrap(ErrDecryptFailed, err.Error())
		return
	}
	sealJSON, err := nip44.Decrypt(ev.Content, outerKey)
	if err != nil {
		err = errors.Wrap(ErrDecryptFailed, err.Error())
		return
	}

	var sealEvent nostr.Event
	if err = json.Unmarshal([]byte(sealJSON), &sealEvent); err != nil {
		err = errors.Wrap(ErrMalformed, err.Error())
		return
	}
	if sealEvent.Kind != KindSeal {
		err = errors.Wrap(ErrMalformed, "inner event is not a seal")
		return
	}
	ok, err := sealEvent.CheckSignature()
	if err != nil || !ok {
		err = ErrBadSignature
		return
	}

	// inner layer: key agreement with the real sender
	innerKey, err := own.ConversationKey(sealEvent.PubKey)
	if err != nil {
		err = errors.Wrap(ErrDecryptFailed, err.Error())
		return
	}
	rumorJSON, err := nip44.Decrypt(sealEvent.Content, innerKey)
	if err != nil {
		err = errors.Wrap(ErrDecryptFailed, err.Error())
		return
	}
	r, err = unmarshalRumor([]byte(rumorJSON))
	if err != nil {
		return
	}

	// a seal signed by X carrying a rumor authored by Y is a spoof attempt
	if r.PubKey != sealEvent.PubKey {
		err = ErrBadSignature
		return
	}
	sender = sealEvent.PubKey
	return
}

func newSeal(sender *keypair.Keys, recipientPublic string, r Rumor) (s Seal, err error) {
	plaintext, err := r.marshal()
	if err != nil {
		err = errors.Wrap(err, "could not serialize rumor")
		return
	}
	ck, err := sender.ConversationKey(recipientPublic)
	if err != nil {
		return
	}
	ciphertext, err := nip44.Encrypt(string(plaintext), ck)
	if err != nil {
		err = errors.Wrap(err, "could not seal rumor")
		return
	}
	s.Event = nostr.Event{
		PubKey:    sender.PublicHex(),
		CreatedAt: backdated(),
		Kind:      KindSeal,
		Tags:      nostr.Tags{},
		Content:   ciphertext,
	}
	err = sender.SignEvent(&s.Event)
	return
}

func newGiftWrap(s Seal, recipientPublic string) (g GiftWrap, err error) {
	plaintext, err := json.Marshal(s.Event)
	if err != nil {
		err = errors.Wrap(err, "could not serialize seal")
		return
	}

	// one throwaway identity per envelope, discarded after signing
	ephemeral, err := keypair.New()
	if err != nil {
		return
	}
	ck, err := ephemeral.ConversationKey(recipientPublic)
	if err != nil {
		return
	}
	ciphertext, err := nip44.Encrypt(string(plaintext), ck)
	if err != nil {
		err = errors.Wrap(err, "could not wrap seal")
		return
	}
	g.Event = nostr.Event{
		PubKey:    ephemeral.PublicHex(),
		CreatedAt: backdated(),
		Kind:      KindGiftWrap,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPublic}},
		Content:   ciphertext,
	}
	err = ephemeral.SignEvent(&g.Event)
	return
}

func backdated() nostr.Timestamp {
	return nostr.Now() - nostr.Timestamp(rand.Int63n(timestampJitter))
}
