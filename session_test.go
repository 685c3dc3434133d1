package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// a loopback relay for session tests. Each accepted connection runs
// `handle` and closes when it returns.
func newTestRelay(handle func(ws *websocket.Conn)) (string, func()) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	collabUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return collabUrl, server.Close
}

func waitFor(timeout time.Duration, condition func() bool) bool {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func fastHeartbeatSettings() *CollabSettings {
	settings := DefaultCollabSettings()
	settings.HeartbeatInterval = 30 * time.Millisecond
	settings.HeartbeatAckTimeout = 30 * time.Millisecond
	settings.HeartbeatMissCeiling = 2
	settings.ThrottleWindow = 1 * time.Millisecond
	return settings
}

func TestSessionConnectLifecycle(t *testing.T) {
	var connectionCount int64

	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		atomic.AddInt64(&connectionCount, 1)
		initFrame := `{"event":"init","users":[` +
			`{"id":1,"username":"ada","color":"#ff0000"},` +
			`{"id":2,"username":"brin","color":"#00ff00"}]}`
		ws.WriteMessage(websocket.TextMessage, []byte(initFrame))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeRelay()

	session := NewCollabSessionWithDefaults(context.Background(), collabUrl, nil)
	defer session.Close()

	states := []ConnectionState{}
	stateLock := sync.Mutex{}
	session.AddStateChangeCallback(func(state ConnectionState) {
		stateLock.Lock()
		defer stateLock.Unlock()
		states = append(states, state)
	})

	assert.Equal(t, ConnectionStateInitial, session.State())

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateOpen
	}))
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.Presence().Size() == 2
	}))

	// connect while open is a no-op: no duplicate transport
	session.Connect()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, ConnectionStateOpen, session.State())
	assert.Equal(t, int64(1), atomic.LoadInt64(&connectionCount))

	session.Disconnect()
	assert.Equal(t, ConnectionStateDisconnected, session.State())

	// disconnect while not open is a no-op
	session.Disconnect()
	assert.Equal(t, ConnectionStateDisconnected, session.State())

	// reconnection is an explicit action from a terminal state
	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateOpen
	}))
	assert.Equal(t, int64(2), atomic.LoadInt64(&connectionCount))

	stateLock.Lock()
	assert.Equal(t, ConnectionStateConnecting, states[0])
	assert.Equal(t, ConnectionStateOpen, states[1])
	assert.Equal(t, ConnectionStateDisconnected, states[2])
	stateLock.Unlock()
}

func TestSessionConnectError(t *testing.T) {
	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {})
	// tear the relay down so the dial fails
	closeRelay()

	session := NewCollabSessionWithDefaults(context.Background(), collabUrl, nil)
	defer session.Close()

	// sends while not open are silently dropped
	session.ChangeFocus("r1")
	session.PostChatMessage("hello", "")

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateError
	}))

	// the error state allows another explicit connect
	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateError
	}))
}

func TestSessionInboundEvents(t *testing.T) {
	frames := []string{
		`{"event":"init","users":[{"id":1,"username":"ada","color":"#ff0000"}]}`,
		`{"event":"user_joined","id":2,"username":"brin","color":"#00ff00"}`,
		`{"event":"user_joined","id":2,"username":"brin","color":"#00ff00"}`,
		`{"event":"user_view_changed","id":2,"current_view_id":"v1"}`,
		`{"event":"user_focus_changed","id":2,"focused_row_id":"r1"}`,
		`{"event":"user_focus_changed","id":99,"focused_row_id":"r9"}`,
		`{"event":"user_left","id":1}`,
		`{"event":"row_update","view_id":"v1","row_id":"r1","row_version":5,"column_name":"qty","value":42}`,
		`{"event":"chat_message","message_id":"01234567-89ab-cdef-0123-456789abcdef",` +
			`"content":"hello","user_id":2,"user_username":"brin","created_at":"2026-01-02T15:04:05Z"}`,
		`{"event":"unknown_future_event","payload":true}`,
		`not json at all`,
	}

	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		for _, frame := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeRelay()

	session := NewCollabSessionWithDefaults(context.Background(), collabUrl, nil)
	defer session.Close()

	session.Cache().LoadRows("v1", []*RowSnapshot{
		{RowId: "r1", Version: 4, Fields: map[string]any{"qty": float64(10)}},
	})

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return len(session.Cache().ChatMessages()) == 1
	}))

	// ada left, brin remains with the patched view/focus
	assert.Equal(t, 1, session.Presence().Size())
	record, ok := session.Presence().User(2)
	assert.Equal(t, true, ok)
	assert.Equal(t, "brin", record.Username)
	assert.Equal(t, "v1", record.CurrentViewId)
	assert.Equal(t, "r1", record.FocusedRowId)

	// the malformed and unknown frames did not break the connection
	assert.Equal(t, ConnectionStateOpen, session.State())

	row, ok := session.Cache().Row("v1", "r1")
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(5), row.Version)
	assert.Equal(t, float64(42), row.Fields["qty"])

	messages := session.Cache().ChatMessages()
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "brin", messages[0].UserUsername)
}

func TestSessionOutboundEvents(t *testing.T) {
	type frame struct {
		Event   string `json:"event"`
		ViewId  string `json:"view_id"`
		RowId   string `json:"row_id"`
		Content string `json:"content"`
	}

	framesLock := sync.Mutex{}
	received := []frame{}

	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(message, &f); err != nil {
				continue
			}
			framesLock.Lock()
			received = append(received, f)
			framesLock.Unlock()
		}
	})
	defer closeRelay()

	session := NewCollabSessionWithDefaults(context.Background(), collabUrl, nil)
	defer session.Close()

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateOpen
	}))

	session.ChangeView("v1")
	session.ChangeFocus("r1")
	session.PostChatMessage("hello", "v1")

	countEvents := func(event string) int {
		framesLock.Lock()
		defer framesLock.Unlock()
		count := 0
		for _, f := range received {
			if f.Event == event {
				count += 1
			}
		}
		return count
	}

	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return 0 < countEvents(EventViewChange) &&
			0 < countEvents(EventFocusChange) &&
			0 < countEvents(EventChatMessage)
	}))

	framesLock.Lock()
	for _, f := range received {
		switch f.Event {
		case EventViewChange:
			assert.Equal(t, "v1", f.ViewId)
		case EventFocusChange:
			assert.Equal(t, "r1", f.RowId)
		case EventChatMessage:
			assert.Equal(t, "hello", f.Content)
		}
	}
	framesLock.Unlock()
}

func TestSessionHeartbeatTimeout(t *testing.T) {
	var heartbeatCount int64

	// a relay that reads but never acks
	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(message), EventHeartbeat) {
				atomic.AddInt64(&heartbeatCount, 1)
			}
		}
	})
	defer closeRelay()

	session := NewCollabSession(context.Background(), collabUrl, nil, fastHeartbeatSettings())
	defer session.Close()

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateOpen
	}))

	// after the miss ceiling the monitor forces the session closed
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateDisconnected
	}))
	assert.Equal(t, true, int64(2) <= atomic.LoadInt64(&heartbeatCount))

	// no further probes after teardown
	time.Sleep(200 * time.Millisecond)
	probeCount := atomic.LoadInt64(&heartbeatCount)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, probeCount, atomic.LoadInt64(&heartbeatCount))
}

func TestSessionHeartbeatAck(t *testing.T) {
	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(message), EventHeartbeat) {
				if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat_ack"}`)); err != nil {
					return
				}
			}
		}
	})
	defer closeRelay()

	settings := fastHeartbeatSettings()
	settings.HeartbeatMissCeiling = 1
	session := NewCollabSession(context.Background(), collabUrl, nil, settings)
	defer session.Close()

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateOpen
	}))

	// several probe intervals pass without a forced disconnect
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, ConnectionStateOpen, session.State())
}

func TestSessionHeartbeatLateAck(t *testing.T) {
	// a relay that acks every probe, but only after the ack timeout has
	// elapsed (and before the next probe). The connection is alive, just
	// slow, so the monitor must not force it closed.
	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(message), EventHeartbeat) {
				go func() {
					time.Sleep(30 * time.Millisecond)
					ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat_ack"}`))
				}()
			}
		}
	})
	defer closeRelay()

	settings := fastHeartbeatSettings()
	settings.HeartbeatInterval = 50 * time.Millisecond
	settings.HeartbeatAckTimeout = 20 * time.Millisecond
	session := NewCollabSession(context.Background(), collabUrl, nil, settings)
	defer session.Close()

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateOpen
	}))

	// each probe times out once and then gets its late ack, which resets
	// the missed count below the ceiling every cycle
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, ConnectionStateOpen, session.State())
}

func TestSessionRemoteClose(t *testing.T) {
	collabUrl, closeRelay := newTestRelay(func(ws *websocket.Conn) {
		// accept and immediately drop the connection
		time.Sleep(50 * time.Millisecond)
	})
	defer closeRelay()

	session := NewCollabSessionWithDefaults(context.Background(), collabUrl, nil)
	defer session.Close()

	session.Connect()
	assert.Equal(t, true, waitFor(5*time.Second, func() bool {
		return session.State() == ConnectionStateError
	}))
}
