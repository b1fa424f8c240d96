// Package memory persists structured records through the messaging core
// itself: every record is an encrypted envelope the identity sends to its
// own public key. Nothing is stored locally; any device holding the
// secret key can rebuild the full state from the relay history.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/9qeklajc/nmcpparrot/src/conversation"
	"github.com/9qeklajc/nmcpparrot/src/logging"
)

// Store reads and writes memory entries over a conversation engine.
type Store struct {
	engine *conversation.Engine
}

func New(engine *conversation.Engine) *Store {
	return &Store{engine: engine}
}

// Store publishes the entry as a self-addressed envelope. A zero ID,
// timestamp, or version is filled in; Type must be one of the known
// kinds.
func (s *Store) Store(ctx context.Context, e *Entry) (err error) {
	if !ValidType(e.Type) {
		return errors.Wrapf(ErrInvalidEntry, "unknown type %q", e.Type)
	}
	if e.Category != "" && !ValidCategory(e.Category) {
		return errors.Wrapf(ErrInvalidEntry, "unknown category %q", e.Category)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	payload, err := e.encode()
	if err != nil {
		return
	}
	logging.Log.Debugf("storing memory %s v%d", e.ID, e.Version)
	return s.engine.Send(ctx, s.engine.PublicHex(), payload)
}

// Update publishes a superseding version of the entry: same logical id,
// version incremented, mutations applied.
func (s *Store) Update(ctx context.Context, id uuid.UUID, mutate func(*Entry)) (updated *Entry, err error) {
	current, err := s.lookup(ctx, id)
	if err != nil {
		return
	}
	next := *current
	if mutate != nil {
		mutate(&next)
	}
	next.ID = id
	next.Version = current.Version + 1
	next.CreatedAt = time.Now().UTC()
	if err = s.Store(ctx, &next); err != nil {
		return
	}
	updated = &next
	return
}

// Retrieve folds the full self-addressed history down to the visible
// state: one entry per logical id (highest version wins), expired ones
// dropped unless asked for, newest first.
func (s *Store) Retrieve(ctx context.Context, f Filter) (entries []Entry, err error) {
	latest, err := s.fold(ctx)
	if err != nil {
		return
	}
	for _, e := range latest {
		if e.Expired() && !f.IncludeExpired {
			continue
		}
		if f.matches(e) {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return
}

// Search is Retrieve with just a substring query over title, content,
// and tags.
func (s *Store) Search(ctx context.Context, query string) ([]Entry, error) {
	return s.Retrieve(ctx, Filter{Query: query})
}

// Expire soft-deletes an entry by publishing a superseding version whose
// expiry is now. Relays may retain the old versions; consistency is
// eventual, not guaranteed erasure.
func (s *Store) Expire(ctx context.Context, id uuid.UUID) (err error) {
	_, err = s.Update(ctx, id, func(e *Entry) {
		now := time.Now().UTC()
		e.Expiry = &now
	})
	return
}

// Cleanup recomputes the visible set client-side and reports how many
// entries remain visible and how many are expired. It never asks relays
// to delete anything.
func (s *Store) Cleanup(ctx context.Context) (visible, expired int, err error) {
	latest, err := s.fold(ctx)
	if err != nil {
		return
	}
	for _, e := range latest {
		if e.Expired() {
			expired++
		} else {
			visible++
		}
	}
	logging.Log.Infof("memory cleanup: %d visible, %d expired", visible, expired)
	return
}

// Stats summarizes the visible entries.
func (s *Store) Stats(ctx context.Context) (st Stats, err error) {
	entries, err := s.Retrieve(ctx, Filter{})
	if err != nil {
		return
	}
	st.ByType = make(map[string]int)
	st.ByCategory = make(map[string]int)
	st.Total = len(entries)
	for _, e := range entries {
		st.ByType[e.Type]++
		if e.Category != "" {
			st.ByCategory[e.Category]++
		}
		created := e.CreatedAt
		if st.Oldest == nil || created.Before(*st.Oldest) {
			t := created
			st.Oldest = &t
		}
		if st.Newest == nil || created.After(*st.Newest) {
			t := created
			st.Newest = &t
		}
	}
	return
}

// fold replays the self feed and keeps, per logical id, the entry that
// supersedes all others. This is the append-only log collapsed into
// current state.
func (s *Store) fold(ctx context.Context) (latest map[uuid.UUID]Entry, err error) {
	msgs, err := s.engine.History(ctx, time.Time{})
	if err != nil {
		err = errors.Wrap(err, "could not replay memory history")
		return
	}
	latest = make(map[uuid.UUID]Entry)
	for _, m := range msgs {
		e, ok, err2 := decodeEntry(m.Content)
		if err2 != nil {
			logging.Log.Debugf("skipping undecodable memory record: %s", err2)
			continue
		}
		if !ok {
			continue
		}
		if cur, found := latest[e.ID]; !found || e.supersedes(cur) {
			latest[e.ID] = e
		}
	}
	return
}

func (s *Store) lookup(ctx context.Context, id uuid.UUID) (e *Entry, err error) {
	latest, err := s.fold(ctx)
	if err != nil {
		return
	}
	found, ok := latest[id]
	if !ok {
		err = errors.Wrapf(ErrEntryNotFound, "id %s", id)
		return
	}
	e = &found
	return
}
