// Package presence derives online/offline state from the durable user store
// and pushes full roster snapshots to whoever registered for them.
package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"realtime-chat/internal/storage"
)

// Status is one user's entry in a roster snapshot
type Status struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Tracker serializes presence transitions and notifies the registered
// listener with the full updated roster after every successful transition.
type Tracker struct {
	logger *zap.SugaredLogger
	store  *storage.Store

	mu     sync.Mutex
	notify func([]Status)
}

// NewTracker returns a Tracker backed by the provided store
func NewTracker(logger *zap.SugaredLogger, store *storage.Store) *Tracker {
	return &Tracker{
		logger: logger,
		store:  store,
	}
}

// OnChange registers the listener invoked with a roster snapshot after each
// transition. Expected to be called once during wiring, before any traffic.
func (t *Tracker) OnChange(fn func([]Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = fn
}

// SetOnline records a presence transition and pushes the updated roster.
// Holding the tracker mutex across store update, snapshot and notification
// keeps the emitted snapshots in transition order.
func (t *Tracker) SetOnline(ctx context.Context, username string, online bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.SetOnline(ctx, username, online); err != nil {
		return err
	}

	t.logger.Debugf("Presence transition: %s online=%t", username, online)

	snapshot, err := t.snapshot(ctx)
	if err != nil {
		return err
	}

	if t.notify != nil {
		t.notify(snapshot)
	}

	return nil
}

// Snapshot returns the current roster ordered by username
func (t *Tracker) Snapshot(ctx context.Context) ([]Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.snapshot(ctx)
}

func (t *Tracker) snapshot(ctx context.Context) ([]Status, error) {
	users, err := t.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(users))
	for _, u := range users {
		statuses = append(statuses, Status{Username: u.Username, Online: u.Online})
	}
	return statuses, nil
}
