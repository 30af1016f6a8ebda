package document

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/filetree"
)

// MemoryStore implements Store with an in-memory map and TTL expiry.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*Document
	ttl  time.Duration
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates an in-memory store whose records expire ttl after
// creation.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		docs: make(map[string]*Document),
		ttl:  ttl,
		now:  time.Now,
	}
}

// GetOrCreate returns the existing document or creates an empty one.
func (s *MemoryStore) GetOrCreate(_ context.Context, room string) (*Document, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if doc, ok := s.docs[room]; ok && !doc.Expired(now) {
		return copyDoc(doc), Found, nil
	}
	doc := s.newDoc(room, now)
	s.docs[room] = doc
	return copyDoc(doc), Created, nil
}

// SetContent upserts code for room.
func (s *MemoryStore) SetContent(_ context.Context, room, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.liveDoc(room)
	doc.Code = code
	return nil
}

// SetFileTree replaces the file tree for room.
func (s *MemoryStore) SetFileTree(_ context.Context, room string, tree filetree.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.liveDoc(room)
	doc.FileTree = tree.Clone()
	return nil
}

// Cleanup removes expired documents.
func (s *MemoryStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for room, doc := range s.docs {
		if doc.Expired(now) {
			delete(s.docs, room)
			removed++
		}
	}
	return removed, nil
}

// StartCleanupRoutine periodically removes expired documents until Close.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, _ := s.Cleanup(ctx)
				if n > 0 {
					logger.Debug("expired documents removed", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close stops the cleanup routine if it was started.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return nil
}

// liveDoc returns the unexpired document for room, creating it if needed.
// Must be called with mu held.
func (s *MemoryStore) liveDoc(room string) *Document {
	now := s.now()
	doc, ok := s.docs[room]
	if !ok || doc.Expired(now) {
		doc = s.newDoc(room, now)
		s.docs[room] = doc
	}
	return doc
}

func (s *MemoryStore) newDoc(room string, now time.Time) *Document {
	return &Document{
		RoomToken: room,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
}

func copyDoc(d *Document) *Document {
	c := *d
	c.FileTree = d.FileTree.Clone()
	return &c
}

var _ Store = (*MemoryStore)(nil)
