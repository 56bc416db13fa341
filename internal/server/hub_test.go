package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterup/chatterup/internal/store"
)

// The pebble-backed store must satisfy the hub's collaborator contract.
var _ MessageStore = (*store.Store)(nil)

// fakeStore is an in-memory MessageStore for exercising the
// persist-then-broadcast coordination without a database.
type fakeStore struct {
	appendErr error
	recentErr error
	messages  []store.Message
}

func (f *fakeStore) Append(draft store.Message) (store.Message, error) {
	if f.appendErr != nil {
		return store.Message{}, f.appendErr
	}
	now := time.Now().UTC()
	draft.ID = fmt.Sprintf("stored-%d", len(f.messages)+1)
	draft.CreatedAt = now
	draft.Time = now.Format("15:04:05")
	f.messages = append(f.messages, draft)
	return draft, nil
}

func (f *fakeStore) Recent(limit int) ([]store.Message, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	if len(f.messages) <= limit {
		return f.messages, nil
	}
	return f.messages[len(f.messages)-limit:], nil
}

// startTestHub returns a running hub that is torn down with the test.
func startTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

// attachSession registers a session with the hub without starting connection
// pumps, so tests can inspect its send channel directly.
func attachSession(t *testing.T, h *Hub) *Session {
	t.Helper()
	s := NewSession(nil, h, "test")
	h.mutex.Lock()
	h.sessions[s.id] = s
	h.mutex.Unlock()
	return s
}

func recvEvent(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		require.True(t, ok, "send channel closed while waiting for event")
		var evt map[string]any
		require.NoError(t, json.Unmarshal(payload, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		if ok {
			t.Fatalf("unexpected event: %s", payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func userNames(t *testing.T, evt map[string]any) []string {
	t.Helper()
	require.Equal(t, EventUserList, evt["type"])
	raw, ok := evt["users"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		names = append(names, v.(string))
	}
	return names
}

func messageBody(t *testing.T, evt map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, EventMessage, evt["type"])
	body, ok := evt["message"].(map[string]any)
	require.True(t, ok)
	return body
}

// TestJoinAndSendScenario walks the canonical two-user flow: Bob joins, Ann
// joins, Bob says hi. Ann must see the roster grow, both join notices for
// others only, and the persisted message; Bob must never see his own join
// announcement but must get his own message echoed back.
func TestJoinAndSendScenario(t *testing.T) {
	h := startTestHub(t)
	h.SetStore(&fakeStore{})

	a := attachSession(t, h)
	b := attachSession(t, h)

	a.handleJoin("Bob")
	assert.Equal(t, []string{"Bob"}, userNames(t, recvEvent(t, b)))
	bobJoined := messageBody(t, recvEvent(t, b))
	assert.Equal(t, SystemAuthor, bobJoined["username"])
	assert.Equal(t, "Bob joined the chat", bobJoined["message"])
	assert.Equal(t, "/default.webp", bobJoined["profile"])

	b.handleJoin("Ann")
	assert.ElementsMatch(t, []string{"Ann", "Bob"}, userNames(t, recvEvent(t, b)))

	a.handleSend("hi", "")
	hi := messageBody(t, recvEvent(t, b))
	assert.Equal(t, "Bob", hi["username"])
	assert.Equal(t, "hi", hi["message"])
	assert.NotEmpty(t, hi["id"])

	// Bob's view: two rosters, Ann's join notice, then his own message. No
	// "Bob joined" announcement anywhere.
	assert.Equal(t, []string{"Bob"}, userNames(t, recvEvent(t, a)))
	assert.ElementsMatch(t, []string{"Ann", "Bob"}, userNames(t, recvEvent(t, a)))
	annJoined := messageBody(t, recvEvent(t, a))
	assert.Equal(t, "Ann joined the chat", annJoined["message"])
	echo := messageBody(t, recvEvent(t, a))
	assert.Equal(t, "hi", echo["message"])
	expectNoEvent(t, a)
}

// TestSendBroadcastsStoredCopy verifies that the broadcast carries the
// store-assigned representation, not the pre-persistence draft.
func TestSendBroadcastsStoredCopy(t *testing.T) {
	h := startTestHub(t)
	fs := &fakeStore{}
	h.SetStore(fs)

	a := attachSession(t, h)
	a.joined = true
	a.name = "Bob"

	a.handleSend("hello", "/custom.png")

	evt := messageBody(t, recvEvent(t, a))
	assert.Equal(t, "stored-1", evt["id"])
	assert.Equal(t, "/custom.png", evt["profile"])
	require.Len(t, fs.messages, 1)
	assert.Equal(t, "hello", fs.messages[0].Text)
}

// TestSendFailureReachesSenderOnly verifies the persistence failure
// contract: zero broadcast frames for the message, an error acknowledgment
// to the originator, and a session that stays joined and usable.
func TestSendFailureReachesSenderOnly(t *testing.T) {
	h := startTestHub(t)
	h.SetStore(&fakeStore{appendErr: errors.New("disk full")})

	a := attachSession(t, h)
	b := attachSession(t, h)
	a.joined = true
	a.name = "Bob"

	a.handleSend("hi", "")

	evt := recvEvent(t, a)
	assert.Equal(t, EventError, evt["type"])
	expectNoEvent(t, b)

	// Still usable: a later send with a healthy store goes through.
	h.SetStore(&fakeStore{})
	a.handleSend("second try", "")
	assert.Equal(t, "second try", messageBody(t, recvEvent(t, b))["message"])
}

// TestSendWithoutStoreRejected verifies degraded mode: no store at all means
// the send fails back to the sender and nothing is broadcast.
func TestSendWithoutStoreRejected(t *testing.T) {
	h := startTestHub(t)

	a := attachSession(t, h)
	b := attachSession(t, h)
	a.joined = true
	a.name = "Bob"

	a.handleSend("hi", "")

	assert.Equal(t, EventError, recvEvent(t, a)["type"])
	expectNoEvent(t, b)
}

// TestTypingExcludesSender verifies that each typing indicator reaches every
// other connection and never the sender.
func TestTypingExcludesSender(t *testing.T) {
	h := startTestHub(t)

	sessions := make([]*Session, 4)
	for i := range sessions {
		sessions[i] = attachSession(t, h)
		sessions[i].joined = true
		sessions[i].name = fmt.Sprintf("user%d", i)
	}

	sessions[0].handleTyping()

	for _, s := range sessions[1:] {
		evt := recvEvent(t, s)
		assert.Equal(t, EventTyping, evt["type"])
		assert.Equal(t, "user0", evt["username"])
	}
	expectNoEvent(t, sessions[0])
}

// TestDoubleJoinUpdatesWithoutReannounce verifies that a second join
// re-registers (overwriting the name) without a duplicate join notice.
func TestDoubleJoinUpdatesWithoutReannounce(t *testing.T) {
	h := startTestHub(t)

	a := attachSession(t, h)
	b := attachSession(t, h)

	a.handleJoin("Bob")
	assert.Equal(t, []string{"Bob"}, userNames(t, recvEvent(t, b)))
	assert.Equal(t, "Bob joined the chat", messageBody(t, recvEvent(t, b))["message"])

	a.handleJoin("Bobby")
	assert.Equal(t, []string{"Bobby"}, userNames(t, recvEvent(t, b)))
	expectNoEvent(t, b)
}

// TestDisconnectAnnouncesDepartureOnce verifies that a joined session's
// departure produces exactly one roster update and one leave notice, in that
// order, no matter how many times the unregistration fires.
func TestDisconnectAnnouncesDepartureOnce(t *testing.T) {
	h := startTestHub(t)

	a := attachSession(t, h)
	b := attachSession(t, h)
	a.handleJoin("Bob")
	recvEvent(t, b) // roster
	recvEvent(t, b) // join notice

	h.unregister <- a
	h.unregister <- a

	assert.Empty(t, userNames(t, recvEvent(t, b)))
	left := messageBody(t, recvEvent(t, b))
	assert.Equal(t, SystemAuthor, left["username"])
	assert.Equal(t, "Bob left the chat", left["message"])
	assert.Equal(t, "/default.webp", left["profile"])
	expectNoEvent(t, b)
}

// TestConcurrentJoinsConvergeRoster verifies that simultaneous joins cannot
// leave a stale roster as the final broadcast: once every join has been
// processed, the last user-list the observer received names all of them.
func TestConcurrentJoinsConvergeRoster(t *testing.T) {
	h := startTestHub(t)

	observer := attachSession(t, h)
	const joiners = 8
	sessions := make([]*Session, joiners)
	want := make([]string, joiners)
	for i := range sessions {
		sessions[i] = attachSession(t, h)
		want[i] = fmt.Sprintf("user%d", i)
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(s *Session, name string) {
			defer wg.Done()
			s.handleJoin(name)
		}(s, want[i])
	}
	wg.Wait()

	// All join requests have been handed to the hub loop; a trailing frame
	// marks the point at which every one of them has been fully processed.
	h.BroadcastAll(encodeTyping("sentinel"))

	var lastRoster []string
	for {
		evt := recvEvent(t, observer)
		if evt["type"] == EventTyping {
			break
		}
		if evt["type"] == EventUserList {
			lastRoster = userNames(t, evt)
		}
	}
	assert.ElementsMatch(t, want, lastRoster)
}

// TestNeverJoinedLeavesSilently verifies that a connection that disconnects
// without joining produces no departure announcement to anyone.
func TestNeverJoinedLeavesSilently(t *testing.T) {
	h := startTestHub(t)

	a := attachSession(t, h)
	b := attachSession(t, h)
	b.handleJoin("Ann")
	recvEvent(t, b) // own roster update

	h.unregister <- a

	expectNoEvent(t, b)
	assert.Equal(t, []string{"Ann"}, h.registry.SnapshotNames())
}

// TestSendToMissingConnectionDropped verifies that targeting a departed
// connection is silently dropped; the race is expected, not an error.
func TestSendToMissingConnectionDropped(t *testing.T) {
	h := startTestHub(t)

	b := attachSession(t, h)
	h.SendTo("no-such-connection", encodeTyping("ghost"))
	expectNoEvent(t, b)
}

// TestSlowSessionEvicted verifies that a session with a full send buffer is
// removed through the normal departure path, announcing its departure.
func TestSlowSessionEvicted(t *testing.T) {
	h := startTestHub(t)

	slow := attachSession(t, h)
	slow.handleJoin("Slow")
	recvEvent(t, slow) // drain its own roster update
	observer := attachSession(t, h)

	// Saturate the slow session's buffer so the next fan-out fails.
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("{}")
	}
	h.BroadcastAll(encodeTyping("someone"))

	evt := recvEvent(t, observer) // the typing fan-out itself
	assert.Equal(t, EventTyping, evt["type"])
	assert.Empty(t, userNames(t, recvEvent(t, observer)))
	assert.Equal(t, "Slow left the chat", messageBody(t, recvEvent(t, observer))["message"])
}

// TestHistoryDegradedModes verifies the empty-history fallbacks: no store at
// all and a store whose reads fail.
func TestHistoryDegradedModes(t *testing.T) {
	h := startTestHub(t)
	assert.Empty(t, h.History())

	h.SetStore(&fakeStore{recentErr: errors.New("iterator broken")})
	assert.Empty(t, h.History())

	h.SetStore(&fakeStore{messages: []store.Message{{ID: "m1", Text: "hey"}}})
	got := h.History()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}
