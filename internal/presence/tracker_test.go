package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-chat/internal/storage"
	mytesting "realtime-chat/internal/testing"
)

func bootstrapTracker(t *testing.T) (*Tracker, *storage.Store) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	store, err := storage.New(sugar, storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	return NewTracker(sugar, store), store
}

func addUser(t *testing.T, store *storage.Store) string {
	username := mytesting.RandString()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{
		Username: username,
		Email:    mytesting.RandEmail(),
	}))
	return username
}

func TestSetOnlineNotifiesFullRoster(t *testing.T) {
	t.Parallel()

	tracker, store := bootstrapTracker(t)
	alice := addUser(t, store)
	bob := addUser(t, store)

	var mu sync.Mutex
	var snapshots [][]Status
	tracker.OnChange(func(users []Status) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, users)
	})

	require.NoError(t, tracker.SetOnline(context.Background(), alice, true))
	require.NoError(t, tracker.SetOnline(context.Background(), bob, true))
	require.NoError(t, tracker.SetOnline(context.Background(), alice, false))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 3)

	// every snapshot carries the full roster, not just the changed user
	for _, snap := range snapshots {
		require.Len(t, snap, 2)
	}

	last := map[string]bool{}
	for _, status := range snapshots[2] {
		last[status.Username] = status.Online
	}
	require.False(t, last[alice])
	require.True(t, last[bob])
}

func TestSetOnlineUnknownUserDoesNotNotify(t *testing.T) {
	t.Parallel()

	tracker, _ := bootstrapTracker(t)

	notified := false
	tracker.OnChange(func([]Status) { notified = true })

	require.Error(t, tracker.SetOnline(context.Background(), "ghost", true))
	require.False(t, notified)
}

func TestConcurrentTransitionsDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	tracker, store := bootstrapTracker(t)

	usernames := make([]string, 8)
	for i := range usernames {
		usernames[i] = addUser(t, store)
	}

	errs := make(chan error, len(usernames))
	for _, username := range usernames {
		go func(username string) {
			errs <- tracker.SetOnline(context.Background(), username, true)
		}(username)
	}
	for range usernames {
		require.NoError(t, <-errs)
	}

	snapshot, err := tracker.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, len(usernames))
	for _, status := range snapshot {
		require.True(t, status.Online, "user %s lost its transition", status.Username)
	}
}

func TestSnapshotOrderedByUsername(t *testing.T) {
	t.Parallel()

	tracker, store := bootstrapTracker(t)

	require.NoError(t, store.CreateUser(context.Background(), storage.User{Username: "zoe", Email: "zoe@example.com"}))
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Username: "amy", Email: "amy@example.com"}))

	snapshot, err := tracker.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "amy", snapshot[0].Username)
	require.Equal(t, "zoe", snapshot[1].Username)
}
