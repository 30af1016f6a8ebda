// Package document persists the shared text and file tree of each room.
package document

import (
	"context"
	"errors"
	"time"

	"github.com/choonkeat/codecollab/internal/filetree"
)

// DefaultTTL is how long a room's document is kept after it was created.
const DefaultTTL = 7 * 24 * time.Hour

// ErrUnavailable wraps backend failures (connection refused, timeouts).
var ErrUnavailable = errors.New("document store unavailable")

// Document is the persisted state of one room.
type Document struct {
	RoomToken string        `json:"roomToken"`
	Code      string        `json:"code"`
	FileTree  filetree.Tree `json:"fileTree,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// Expired reports whether the record is past its expiry at now.
func (d *Document) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Outcome tells which branch of GetOrCreate fired.
type Outcome int

const (
	Found Outcome = iota
	Created
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Found:
		return "found"
	default:
		return "unknown"
	}
}

// Store persists documents keyed by room token. Implementations treat the
// room token as a unique key: concurrent first calls to GetOrCreate for the
// same token create exactly one record.
type Store interface {
	// GetOrCreate returns the room's document, creating an empty one if none
	// exists or the existing one has expired.
	GetOrCreate(ctx context.Context, room string) (*Document, Outcome, error)

	// SetContent upserts the room's code. The file tree and CreatedAt are
	// left untouched.
	SetContent(ctx context.Context, room, code string) error

	// SetFileTree replaces the room's file tree snapshot.
	SetFileTree(ctx context.Context, room string, tree filetree.Tree) error

	// Cleanup removes expired documents and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)

	// Close releases resources held by the store.
	Close() error
}
