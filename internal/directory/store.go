package directory

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"
	"uchat-directory/internal/model"
)

// Store holds the conversation directory of the active session. Every batch
// replaces the whole directory: the feed pushes complete state, not deltas.
type Store struct {
	mu     sync.RWMutex
	views  []model.ConversationView
	logger log.Logger
}

func NewStore(logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{logger: log.With(logger, "component", "directory")}
}

// Derive builds the view for a single snapshot.
func Derive(snap model.ConversationSnapshot, localUserID string) (model.ConversationView, error) {
	if snap.ID == "" {
		return model.ConversationView{}, fmt.Errorf("%w: missing conversation id", ErrMalformedSnapshot)
	}
	counterpart, err := ResolveCounterpart(snap, localUserID)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("conversation %s: %w", snap.ID, err)
	}
	return model.ConversationView{
		ConversationID: snap.ID,
		Counterpart:    counterpart,
		Preview:        DerivePreview(snap.LastMessage),
		UnseenCount:    max(snap.UnseenCount, 0),
	}, nil
}

// ApplyBatch replaces the directory with the views derived from snapshots,
// in batch order. Malformed records are skipped and returned; they never
// abort the batch. A conversation id seen twice keeps its first position and
// the latest content.
func (s *Store) ApplyBatch(snapshots []model.ConversationSnapshot, localUserID string) []error {
	var skipped []error
	views := make([]model.ConversationView, 0, len(snapshots))
	index := make(map[string]int, len(snapshots))

	for _, snap := range snapshots {
		view, err := Derive(snap, localUserID)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if i, ok := index[view.ConversationID]; ok {
			views[i] = view
			continue
		}
		index[view.ConversationID] = len(views)
		views = append(views, view)
	}

	s.mu.Lock()
	s.views = views
	s.mu.Unlock()

	for _, err := range skipped {
		level.Warn(s.logger).Log("msg", "skipping snapshot", "err", err)
	}
	level.Debug(s.logger).Log("msg", "batch applied", "conversations", len(views), "skipped", len(skipped))
	return skipped
}

// All returns a copy of the directory in order.
func (s *Store) All() []model.ConversationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConversationView, len(s.views))
	copy(out, s.views)
	return out
}

func (s *Store) Get(conversationID string) (model.ConversationView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.views, func(v model.ConversationView) bool {
		return v.ConversationID == conversationID
	})
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// TotalUnseen sums the unseen counts across the directory.
func (s *Store) TotalUnseen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.SumBy(s.views, func(v model.ConversationView) int { return v.UnseenCount })
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.views = nil
	s.mu.Unlock()
}
