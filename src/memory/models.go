package memory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// payloadPrefix marks a self-addressed message as a memory record rather
// than an ordinary note to self.
const payloadPrefix = "MEMORY_ENTRY:"

// The available entry types.
var (
	TypePreference  = "preference"
	TypeContext     = "context"
	TypeFact        = "fact"
	TypeInstruction = "instruction"
	TypeNote        = "note"
)

// The available categories.
var (
	CategoryPersonal = "personal"
	CategoryWork     = "work"
	CategoryProject  = "project"
	CategoryGeneral  = "general"
)

// ValidType reports whether t is one of the known entry types.
func ValidType(t string) bool {
	for _, v := range []string{TypePreference, TypeContext, TypeFact, TypeInstruction, TypeNote} {
		if t == v {
			return true
		}
	}
	return false
}

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c string) bool {
	for _, v := range []string{CategoryPersonal, CategoryWork, CategoryProject, CategoryGeneral} {
		if c == v {
			return true
		}
	}
	return false
}

var (
	ErrInvalidEntry  = errors.New("invalid memory entry")
	ErrEntryNotFound = errors.New("memory entry not found")
)

// Entry is one logical memory record. Records are append-only on the
// relay: an update is a new envelope with the same ID and a higher
// version, and the visible value of an ID is its latest non-expired
// version.
type Entry struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Category  string     `json:"category,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Title     string     `json:"title,omitempty"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Version   int        `json:"version"`
}

// Expired reports whether the entry's expiry lies in the past.
func (e Entry) Expired() bool {
	return e.Expiry != nil && time.Now().After(*e.Expiry)
}

// Matches reports whether the query appears in the title, content, or
// any tag, case-insensitively.
func (e Entry) Matches(query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(e.Title), q) {
		return true
	}
	if strings.Contains(strings.ToLower(e.Content), q) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// supersedes reports whether e is a newer version of the same logical
// record than other. Version is the tiebreak for entries written within
// the same second.
func (e Entry) supersedes(other Entry) bool {
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	return e.CreatedAt.After(other.CreatedAt)
}

func (e Entry) encode() (payload string, err error) {
	b, err := json.Marshal(e)
	if err != nil {
		err = errors.Wrap(err, "could not serialize memory entry")
		return
	}
	return payloadPrefix + string(b), nil
}

// decodeEntry recognizes and parses a memory payload. Plain messages in
// the self feed yield ok=false, not an error.
func decodeEntry(content string) (e Entry, ok bool, err error) {
	if !strings.HasPrefix(content, payloadPrefix) {
		return
	}
	if err = json.Unmarshal([]byte(strings.TrimPrefix(content, payloadPrefix)), &e); err != nil {
		err = errors.Wrap(ErrInvalidEntry, err.Error())
		return
	}
	ok = true
	return
}

// Filter narrows a Retrieve call. Zero values mean "any".
type Filter struct {
	Type           string
	Category       string
	Tags           []string
	Query          string
	Since          time.Time
	Until          time.Time
	Limit          int
	IncludeExpired bool
}

func (f Filter) matches(e Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range e.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Query != "" && !e.Matches(f.Query) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Stats summarizes the visible memory state.
type Stats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByCategory map[string]int `json:"by_category"`
	Oldest     *time.Time     `json:"oldest,omitempty"`
	Newest     *time.Time     `json:"newest,omitempty"`
}
