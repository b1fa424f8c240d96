package keypair

import (
	"encoding/hex"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/pkg/errors"
)

// Keys holds one identity: a secp256k1 secret key and its derived public
// key. The secret never leaves the struct; signing and key agreement are
// done through methods. Keys are immutable after construction.
type Keys struct {
	secret string // 32-byte hex
	public string // 32-byte x-only hex
	nsec   string
	npub   string
}

// New generates a fresh identity.
func New() (k *Keys, err error) {
	return FromSecret(nostr.GeneratePrivateKey())
}

// FromSecret parses a secret key given as nsec bech32 or raw hex and
// derives the public key from it.
func FromSecret(secret string) (k *Keys, err error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec") {
		prefix, value, err2 := nip19.Decode(secret)
		if err2 != nil {
			err = errors.Wrap(err2, "invalid nsec encoding")
			return
		}
		if prefix != "nsec" {
			err = errors.New("invalid nsec encoding")
			return
		}
		secret = value.(string)
	}
	if !validHexKey(secret) {
		err = errors.New("secret key must be 32 bytes of hex")
		return
	}

	k = new(Keys)
	k.secret = secret
	k.public, err = nostr.GetPublicKey(secret)
	if err != nil {
		k = nil
		err = errors.Wrap(err, "could not derive public key")
		return
	}
	k.nsec, err = nip19.EncodePrivateKey(k.secret)
	if err != nil {
		k = nil
		return
	}
	k.npub, err = nip19.EncodePublicKey(k.public)
	if err != nil {
		k = nil
		return
	}
	return
}

// PublicHex returns the x-only public key in hex, the form used on the wire.
func (k *Keys) PublicHex() string {
	return k.public
}

// Npub returns the bech32 public key.
func (k *Keys) Npub() string {
	return k.npub
}

// Nsec returns the bech32 secret key. Only the CLI's generate command
// should ever print this.
func (k *Keys) Nsec() string {
	return k.nsec
}

// SignEvent computes the event id and signs it with the identity's key.
func (k *Keys) SignEvent(ev *nostr.Event) (err error) {
	return ev.Sign(k.secret)
}

// ConversationKey derives the symmetric key shared with the holder of
// peerPublic, per the versioned encryption scheme.
func (k *Keys) ConversationKey(peerPublic string) (ck [32]byte, err error) {
	ck, err = nip44.GenerateConversationKey(peerPublic, k.secret)
	if err != nil {
		err = errors.Wrap(err, "key agreement failed")
	}
	return
}

// ParsePublicKey accepts a public key as npub bech32 or raw hex and
// returns the hex form.
func ParsePublicKey(s string) (public string, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub") {
		prefix, value, err2 := nip19.Decode(s)
		if err2 != nil || prefix != "npub" {
			err = errors.New("invalid npub encoding")
			return
		}
		public = value.(string)
		return
	}
	if !validHexKey(s) {
		err = errors.New("public key must be npub or 32 bytes of hex")
		return
	}
	public = strings.ToLower(s)
	return
}

func validHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
