package catalog

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for an unknown recording.
var ErrNotFound = errors.New("recording not found")

// Recording is one saved file.
type Recording struct {
	ID      string        `json:"id"`
	Slot    camera.SlotID `json:"slot"`
	Path    string        `json:"path"`
	Bytes   int64         `json:"bytes"`
	SavedAt time.Time     `json:"saved_at"`
}

// Store keeps the index of saved recordings.
type Store interface {
	Add(ctx context.Context, rec Recording) error
	// List returns recordings newest first. A limit of 0 returns all.
	List(ctx context.Context, limit int) ([]Recording, error)
	Get(ctx context.Context, id string) (Recording, error)
}

// MemoryStore is a Store that lives for the process lifetime.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []Recording
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(_ context.Context, rec Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	sort.SliceStable(s.recs, func(i, j int) bool {
		return s.recs[i].SavedAt.After(s.recs[j].SavedAt)
	})
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.recs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Recording, n)
	copy(out, s.recs[:n])
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Recording{}, ErrNotFound
}

// Indexer adds a Recording to its store for every saved-recording event.
type Indexer struct {
	store Store
}

// NewIndexer creates an indexer writing to store
func NewIndexer(store Store) *Indexer {
	return &Indexer{store: store}
}

// Run consumes events until the channel closes or ctx is done.
func (ix *Indexer) Run(ctx context.Context, events <-chan camera.Event) {
	log := logger.WithComponent("catalog")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != camera.EventRecordingSaved {
				continue
			}
			if err := ix.Index(ctx, ev); err != nil {
				log.Warn().Err(err).Str("path", ev.Path).Msg("Failed to index recording")
			}
		}
	}
}

// Index stores a single saved-recording event.
func (ix *Indexer) Index(ctx context.Context, ev camera.Event) error {
	rec := Recording{
		ID:      uuid.NewString(),
		Slot:    ev.Slot,
		Path:    ev.Path,
		SavedAt: ev.Time,
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	if info, err := os.Stat(ev.Path); err == nil {
		rec.Bytes = info.Size()
	}
	if err := ix.store.Add(ctx, rec); err != nil {
		return err
	}
	logger.WithComponent("catalog").Debug().
		Str("id", rec.ID).
		Str("slot", rec.Slot.String()).
		Int64("bytes", rec.Bytes).
		Msg("Recording indexed")
	return nil
}
