package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	e := Entry{
		ID:        uuid.New(),
		Type:      TypeFact,
		Category:  CategoryProject,
		Tags:      []string{"a", "b"},
		Title:     "title",
		Content:   "content",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Expiry:    &expiry,
		Version:   3,
	}
	payload, err := e.encode()
	require.Nil(t, err)
	assert.Contains(t, payload, payloadPrefix)

	got, ok, err := decodeEntry(payload)
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Version, got.Version)
	assert.True(t, e.Expiry.Equal(*got.Expiry))
}

func TestDecodeEntryNonMemory(t *testing.T) {
	_, ok, err := decodeEntry("just a chat message")
	assert.Nil(t, err)
	assert.False(t, ok)

	_, _, err = decodeEntry(payloadPrefix + "{not json")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestSupersedes(t *testing.T) {
	base := Entry{Version: 1, CreatedAt: time.Unix(100, 0)}
	newer := Entry{Version: 2, CreatedAt: time.Unix(100, 0)}
	later := Entry{Version: 1, CreatedAt: time.Unix(200, 0)}

	assert.True(t, newer.supersedes(base))
	assert.False(t, base.supersedes(newer))
	assert.True(t, later.supersedes(base))
}

func TestValidTypeCategory(t *testing.T) {
	assert.True(t, ValidType(TypePreference))
	assert.False(t, ValidType("opinion"))
	assert.True(t, ValidCategory(CategoryGeneral))
	assert.False(t, ValidCategory("hobbies"))
}
