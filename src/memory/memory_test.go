package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9qeklajc/nmcpparrot/src/conversation"
	"github.com/9qeklajc/nmcpparrot/src/keypair"
	"github.com/9qeklajc/nmcpparrot/src/relay"
	"github.com/9qeklajc/nmcpparrot/src/relay/relaytest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	stub := relaytest.New()
	t.Cleanup(stub.Close)
	keys, err := keypair.New()
	require.Nil(t, err)
	pool, err := relay.Connect(context.Background(), stub.URL())
	require.Nil(t, err)
	t.Cleanup(pool.Close)
	return New(conversation.New(keys, pool))
}

func TestStoreRetrieve(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := &Entry{Type: TypeFact, Category: CategoryWork, Tags: []string{"golang"}, Title: "Build", Content: "the build is green"}
	require.Nil(t, s.Store(ctx, e))
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, 1, e.Version)

	entries, err := s.Retrieve(ctx, Filter{})
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
	assert.Equal(t, "the build is green", entries[0].Content)
}

func TestStoreValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Store(ctx, &Entry{Type: "opinion", Content: "nope"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	err = s.Store(ctx, &Entry{Type: TypeNote, Category: "hobbies", Content: "nope"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestLatestVersionWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := &Entry{Type: TypePreference, Content: "dark theme"}
	require.Nil(t, s.Store(ctx, e))

	updated, err := s.Update(ctx, e.ID, func(next *Entry) {
		next.Content = "light theme"
	})
	require.Nil(t, err)
	assert.Equal(t, 2, updated.Version)

	entries, err := s.Retrieve(ctx, Filter{})
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "light theme", entries[0].Content)
	assert.Equal(t, 2, entries[0].Version)
}

func TestRetrieveFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.Nil(t, s.Store(ctx, &Entry{Type: TypeFact, Category: CategoryWork, Tags: []string{"ci", "infra"}, Content: "runner is flaky"}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeNote, Category: CategoryPersonal, Tags: []string{"infra"}, Content: "renew domain"}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeFact, Category: CategoryGeneral, Content: "water boils at 100C"}))

	byType, err := s.Retrieve(ctx, Filter{Type: TypeFact})
	require.Nil(t, err)
	assert.Len(t, byType, 2)

	byCategory, err := s.Retrieve(ctx, Filter{Category: CategoryPersonal})
	require.Nil(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "renew domain", byCategory[0].Content)

	byTags, err := s.Retrieve(ctx, Filter{Tags: []string{"ci", "infra"}})
	require.Nil(t, err)
	require.Len(t, byTags, 1)
	assert.Equal(t, "runner is flaky", byTags[0].Content)

	limited, err := s.Retrieve(ctx, Filter{Limit: 2})
	require.Nil(t, err)
	assert.Len(t, limited, 2)
}

func TestSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.Nil(t, s.Store(ctx, &Entry{Type: TypeNote, Title: "Groceries", Content: "buy oat milk"}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeNote, Tags: []string{"milkshake"}, Content: "unrelated"}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeNote, Content: "nothing here"}))

	got, err := s.Search(ctx, "MILK")
	require.Nil(t, err)
	assert.Len(t, got, 2)
}

func TestExpiryExclusion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeContext, Content: "stale", Expiry: &past}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeContext, Content: "fresh"}))

	visible, err := s.Retrieve(ctx, Filter{})
	require.Nil(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "fresh", visible[0].Content)

	all, err := s.Retrieve(ctx, Filter{IncludeExpired: true})
	require.Nil(t, err)
	assert.Len(t, all, 2)
}

func TestExpire(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := &Entry{Type: TypeInstruction, Content: "always reply in haiku"}
	require.Nil(t, s.Store(ctx, e))
	require.Nil(t, s.Expire(ctx, e.ID))

	visible, err := s.Retrieve(ctx, Filter{})
	require.Nil(t, err)
	assert.Empty(t, visible)

	// the superseded record is still on the relay, just not visible
	all, err := s.Retrieve(ctx, Filter{IncludeExpired: true})
	require.Nil(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)

	err = s.Expire(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestCleanupAndStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeFact, Category: CategoryWork, Content: "a"}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeFact, Content: "b"}))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeNote, Content: "c", Expiry: &past}))

	visible, expired, err := s.Cleanup(ctx)
	require.Nil(t, err)
	assert.Equal(t, 2, visible)
	assert.Equal(t, 1, expired)

	st, err := s.Stats(ctx)
	require.Nil(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.ByType[TypeFact])
	assert.Equal(t, 1, st.ByCategory[CategoryWork])
	assert.NotNil(t, st.Oldest)
	assert.NotNil(t, st.Newest)
}

func TestPlainNotesIgnoredByFold(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// an ordinary note-to-self DM shares the feed with memory records
	require.Nil(t, s.engine.Send(ctx, s.engine.PublicHex(), "remember to stretch"))
	require.Nil(t, s.Store(ctx, &Entry{Type: TypeNote, Content: "a real record"}))

	entries, err := s.Retrieve(ctx, Filter{})
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a real record", entries[0].Content)
}
