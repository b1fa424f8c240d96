package keypair

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	bob, err := New()
	assert.Nil(t, err)
	assert.Len(t, bob.PublicHex(), 64)
	assert.Contains(t, bob.Npub(), "npub1")
	assert.Contains(t, bob.Nsec(), "nsec1")
}

func TestFromSecret(t *testing.T) {
	bob, err := New()
	assert.Nil(t, err)

	// hex and nsec forms resolve to the same identity
	fromNsec, err := FromSecret(bob.Nsec())
	assert.Nil(t, err)
	assert.Equal(t, bob.PublicHex(), fromNsec.PublicHex())

	_, err = FromSecret("not a key")
	assert.NotNil(t, err)
	_, err = FromSecret("nsec1qqqqqqqq")
	assert.NotNil(t, err)
	_, err = FromSecret(bob.Npub())
	assert.NotNil(t, err)
}

func TestParsePublicKey(t *testing.T) {
	bob, _ := New()

	pub, err := ParsePublicKey(bob.Npub())
	assert.Nil(t, err)
	assert.Equal(t, bob.PublicHex(), pub)

	pub, err = ParsePublicKey(bob.PublicHex())
	assert.Nil(t, err)
	assert.Equal(t, bob.PublicHex(), pub)

	_, err = ParsePublicKey("zzzz")
	assert.NotNil(t, err)
}

func TestSignEvent(t *testing.T) {
	bob, _ := New()
	ev := nostr.Event{
		PubKey:    bob.PublicHex(),
		CreatedAt: nostr.Now(),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "hello",
	}
	err := bob.SignEvent(&ev)
	assert.Nil(t, err)
	ok, err := ev.CheckSignature()
	assert.Nil(t, err)
	assert.True(t, ok)
}

func TestConversationKey(t *testing.T) {
	bob, _ := New()
	jane, _ := New()

	// key agreement commutes
	a, err := bob.ConversationKey(jane.PublicHex())
	assert.Nil(t, err)
	b, err := jane.ConversationKey(bob.PublicHex())
	assert.Nil(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}
