package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMessage(username, body string) Message {
	return Message{
		ID:        username + "-" + body,
		Username:  username,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

func TestHistoryEmptyRoom(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	// never referenced before, no log file on disk
	messages, err := s.History(context.Background(), "brand-new-room")
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestHistoryAfterLogFileDeleted(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	_, err := s.Append(context.Background(), "doomed", testMessage("alice", "hello"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.roomPath("doomed")))

	// the room lazily reinitializes instead of erroring
	messages, err := s.History(context.Background(), "doomed")
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestAppendOrder(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	const n = 25
	for i := 0; i < n; i++ {
		pos, err := s.Append(context.Background(), "ordered", testMessage("alice", fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
		require.Equal(t, i, pos)
	}

	messages, err := s.History(context.Background(), "ordered")
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i, msg := range messages {
		require.Equal(t, fmt.Sprintf("message %d", i), msg.Body)
	}
}

// concurrent appends to the same room must serialize: exactly K entries,
// no duplicates, no loss
func TestAppendConcurrentSameRoom(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	const k = 16
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func(i int) {
			_, err := s.Append(context.Background(), "contended", testMessage("alice", fmt.Sprintf("message %d", i)))
			errs <- err
		}(i)
	}
	for i := 0; i < k; i++ {
		require.NoError(t, <-errs)
	}

	messages, err := s.History(context.Background(), "contended")
	require.NoError(t, err)
	require.Len(t, messages, k)

	seen := make(map[string]bool, k)
	for _, msg := range messages {
		require.False(t, seen[msg.ID], "duplicate entry %s", msg.ID)
		seen[msg.ID] = true
	}
}

func TestAppendConcurrentDifferentRooms(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	const perRoom = 10
	rooms := []string{"red", "green", "blue"}

	errs := make(chan error, len(rooms))
	for _, roomID := range rooms {
		go func(roomID string) {
			for i := 0; i < perRoom; i++ {
				if _, err := s.Append(context.Background(), roomID, testMessage("alice", fmt.Sprintf("%s %d", roomID, i))); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(roomID)
	}
	for range rooms {
		require.NoError(t, <-errs)
	}

	for _, roomID := range rooms {
		messages, err := s.History(context.Background(), roomID)
		require.NoError(t, err)
		require.Len(t, messages, perRoom)
	}
}

func TestAppendRoundTripsFields(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	msg := testMessage("alice", "hello there")
	_, err := s.Append(context.Background(), "fields", msg)
	require.NoError(t, err)

	messages, err := s.History(context.Background(), "fields")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, msg.ID, messages[0].ID)
	require.Equal(t, msg.Username, messages[0].Username)
	require.Equal(t, msg.Body, messages[0].Body)
	require.WithinDuration(t, msg.Timestamp, messages[0].Timestamp, time.Second)
}

func TestAddMemberIdempotent(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	require.NoError(t, s.AddMember(context.Background(), "clubhouse", "alice"))
	require.NoError(t, s.AddMember(context.Background(), "clubhouse", "alice"))
	require.NoError(t, s.AddMember(context.Background(), "clubhouse", "bob"))

	members, err := s.Members(context.Background(), "clubhouse")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, members)
}

func TestMembershipSurvivesAppends(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	require.NoError(t, s.AddMember(context.Background(), "mixed", "alice"))
	_, err := s.Append(context.Background(), "mixed", testMessage("alice", "hi"))
	require.NoError(t, err)
	require.NoError(t, s.AddMember(context.Background(), "mixed", "bob"))
	_, err = s.Append(context.Background(), "mixed", testMessage("bob", "hey"))
	require.NoError(t, err)

	members, err := s.Members(context.Background(), "mixed")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, members)

	messages, err := s.History(context.Background(), "mixed")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "hi", messages[0].Body)
	require.Equal(t, "hey", messages[1].Body)
}

func TestHistoryStripsControlBytes(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	// a log polluted with stray control bytes, as the legacy writer left them
	polluted := "[\x00{\"id\":\"m1\",\"username\":\"alice\",\x01\"body\":\"hi\",\"timestamp\":\"2024-01-02T03:04:05Z\"}\x02]"
	require.NoError(t, os.WriteFile(s.roomPath("legacy"), []byte(polluted), 0o644))

	messages, err := s.History(context.Background(), "legacy")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "alice", messages[0].Username)
	require.Equal(t, "hi", messages[0].Body)
}

func TestHistoryCorruptLog(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	// present but not a JSON array: surfaced, not silently coerced
	require.NoError(t, os.WriteFile(s.roomPath("broken"), []byte(`{"username":"alice","body":"hi"}`), 0o644))

	_, err := s.History(context.Background(), "broken")
	require.ErrorIs(t, err, ErrCorruptLog)

	_, err = s.Append(context.Background(), "broken", testMessage("alice", "more"))
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestAppendBadRoomID(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	_, err := s.Append(context.Background(), "", testMessage("alice", "hi"))
	require.Equal(t, ErrBadRoomID, err)

	_, err = s.Append(context.Background(), "../../etc/passwd", testMessage("alice", "hi"))
	require.Equal(t, ErrBadRoomID, err)
}

func TestDefaultRoomsInitialized(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	for _, roomID := range s.DefaultRoomIDs() {
		_, err := os.Stat(s.roomPath(roomID))
		require.NoError(t, err)
	}
}
