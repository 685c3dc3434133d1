package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connection state machine is:
// ConnectionStateInitial
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateOpen
//	    -> ConnectionStateDisconnected (terminal until `Connect`)
//	    -> ConnectionStateError (terminal until `Connect`)
//	  -> ConnectionStateError (terminal until `Connect`)
type ConnectionState string

const (
	ConnectionStateInitial      ConnectionState = "Initial"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateOpen         ConnectionState = "Open"
	ConnectionStateDisconnected ConnectionState = "Disconnected"
	ConnectionStateError        ConnectionState = "Error"
)

func (self ConnectionState) IsTerminal() bool {
	switch self {
	case ConnectionStateDisconnected, ConnectionStateError:
		return true
	default:
		return false
	}
}

// reconnection is an explicit user-visible action, never automatic,
// so terminal states allow `Connect` again
func (self ConnectionState) CanConnect() bool {
	switch self {
	case ConnectionStateInitial, ConnectionStateDisconnected, ConnectionStateError:
		return true
	default:
		return false
	}
}

type CollabSettings struct {
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatAckTimeout  time.Duration
	HeartbeatMissCeiling int
	ThrottleWindow       time.Duration
	// 0 means unbounded
	ChatLogCap int
}

func DefaultCollabSettings() *CollabSettings {
	return &CollabSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatAckTimeout:  5 * time.Second,
		HeartbeatMissCeiling: 2,
		ThrottleWindow:       250 * time.Millisecond,
		ChatLogCap:           0,
	}
}

type SessionAuth struct {
	ByJwt      string
	AppVersion string
}

type ConnectionStateFunction = func(state ConnectionState)

// the collaboration endpoint for a workspace on the relay
func CollabUrl(connectUrl string, projectId Id) string {
	return fmt.Sprintf("%s/ws/projects/%s/collaborate", connectUrl, projectId)
}

// one duplex connection per workspace to the relay.
//
// the session is the single source of truth for `ConnectionState` and the
// only owner of the transport. Inbound frames flow read loop -> dispatcher
// -> (presence store | workspace cache) synchronously, so stores observe
// strict delivery order. Outbound intents flow through per-kind throttle
// buckets into the send primitive, which silently drops while not open.
//
// all connection-scoped timers (heartbeat probe and ack timeout, throttle
// trailing edges) are torn down when the connection leaves the open state,
// so no timer ever fires against a stale transport.
type CollabSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	collabUrl string
	auth      *SessionAuth
	settings  *CollabSettings

	presence   *PresenceStore
	cache      *WorkspaceCache
	dispatcher *eventDispatcher
	throttle   *sendThrottle

	stateLock        sync.Mutex
	state            ConnectionState
	connectionId     int
	ws               *websocket.Conn
	connectionCancel context.CancelFunc
	heartbeat        *heartbeatMonitor

	writeLock sync.Mutex

	stateChangeCallbacks *CallbackList[ConnectionStateFunction]
}

func NewCollabSessionWithDefaults(
	ctx context.Context,
	collabUrl string,
	auth *SessionAuth,
) *CollabSession {
	return NewCollabSession(ctx, collabUrl, auth, DefaultCollabSettings())
}

func NewCollabSession(
	ctx context.Context,
	collabUrl string,
	auth *SessionAuth,
	settings *CollabSettings,
) *CollabSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &CollabSession{
		ctx:                  cancelCtx,
		cancel:               cancel,
		collabUrl:            collabUrl,
		auth:                 auth,
		settings:             settings,
		presence:             NewPresenceStore(),
		cache:                NewWorkspaceCache(settings),
		dispatcher:           newEventDispatcher(),
		throttle:             newSendThrottle(settings.ThrottleWindow),
		state:                ConnectionStateInitial,
		stateChangeCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
	session.registerHandlers()
	return session
}

func (self *CollabSession) Presence() *PresenceStore {
	return self.presence
}

func (self *CollabSession) Cache() *WorkspaceCache {
	return self.cache
}

func (self *CollabSession) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *CollabSession) AddStateChangeCallback(stateChangeCallback ConnectionStateFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

// no-op unless the current state allows a new connection.
// a second `Connect` while connecting or open can never produce a
// duplicate transport. The dial continues in the background; progress is
// observable through the state change callbacks.
func (self *CollabSession) Connect() {
	var connectionId int
	allowed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.state.CanConnect() {
			return false
		}
		self.state = ConnectionStateConnecting
		self.connectionId += 1
		connectionId = self.connectionId
		return true
	}()
	if !allowed {
		glog.V(frameTraceV).Infof("[cs]connect ignored while %s\n", self.State())
		return
	}

	self.stateChanged(ConnectionStateConnecting)
	go self.connect(connectionId)
}

func (self *CollabSession) connect(connectionId int) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.auth != nil && self.auth.ByJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	}

	ws, _, err := dialer.DialContext(self.ctx, self.collabUrl, header)
	if err != nil {
		glog.Infof("[cs]connect error = %s\n", err)
		transitioned := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.connectionId != connectionId || self.state != ConnectionStateConnecting {
				return false
			}
			self.state = ConnectionStateError
			return true
		}()
		if transitioned {
			self.stateChanged(ConnectionStateError)
		}
		return
	}

	connectionCtx, connectionCancel := context.WithCancel(self.ctx)

	opened := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connectionId != connectionId || self.state != ConnectionStateConnecting {
			return false
		}
		self.ws = ws
		self.connectionCancel = connectionCancel
		self.state = ConnectionStateOpen
		// liveness detection starts with the connection and shares its context
		self.heartbeat = newHeartbeatMonitor(
			connectionCtx,
			self.sendHeartbeat,
			func() {
				self.closeConnection(connectionId, ConnectionStateDisconnected)
			},
			self.settings,
		)
		return true
	}()

	if !opened {
		connectionCancel()
		ws.Close()
		return
	}

	glog.V(frameTraceV).Infof("[cs]open %s\n", self.collabUrl)
	self.stateChanged(ConnectionStateOpen)
	go self.readLoop(connectionCtx, ws, connectionId)
}

// closes the transport only if currently open; otherwise a no-op
func (self *CollabSession) Disconnect() {
	self.stateLock.Lock()
	connectionId := self.connectionId
	self.stateLock.Unlock()
	self.closeConnection(connectionId, ConnectionStateDisconnected)
}

// the single authoritative teardown path. Transitions out of open,
// cancels the connection context (which releases the heartbeat timers),
// releases the throttle timers, and closes the transport. Fenced by
// connection id so a straggler from a previous connection cannot close
// its successor.
func (self *CollabSession) closeConnection(connectionId int, state ConnectionState) {
	transitioned := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connectionId != connectionId || self.state != ConnectionStateOpen {
			return false
		}
		self.state = state
		if self.connectionCancel != nil {
			self.connectionCancel()
			self.connectionCancel = nil
		}
		if self.ws != nil {
			self.ws.Close()
			self.ws = nil
		}
		if self.heartbeat != nil {
			self.heartbeat.Close()
			self.heartbeat = nil
		}
		return true
	}()

	if transitioned {
		self.throttle.Cancel()
		glog.V(frameTraceV).Infof("[cs]close -> %s\n", state)
		self.stateChanged(state)
	}
}

// releases the session entirely. The session cannot be reused after close.
func (self *CollabSession) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *CollabSession) readLoop(ctx context.Context, ws *websocket.Conn, connectionId int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, frame, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				// normal teardown closed the transport under the read
			default:
				glog.Infof("[cs]<- error = %s\n", err)
				self.closeConnection(connectionId, ConnectionStateError)
			}
			return
		}

		glog.V(frameTraceV).Infof("[cs]<- %d bytes\n", len(frame))
		self.dispatcher.Dispatch(frame)
	}
}

// send primitive. Silently drops unless open: presence and focus data is
// perishable and is retried implicitly by the next user action, so there
// is no queue.
func (self *CollabSession) sendJson(event any) {
	self.stateLock.Lock()
	ws := self.ws
	state := self.state
	self.stateLock.Unlock()

	if state != ConnectionStateOpen || ws == nil {
		glog.V(frameTraceV).Infof("[cs]drop send while %s\n", state)
		return
	}

	frame, err := json.Marshal(event)
	if err != nil {
		glog.Infof("[cs]-> marshal error = %s\n", err)
		return
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// the read loop sees the same failure and transitions the state
		glog.Infof("[cs]-> error = %s\n", err)
		return
	}
	glog.V(frameTraceV).Infof("[cs]-> %d bytes\n", len(frame))
}

func (self *CollabSession) stateChanged(state ConnectionState) {
	for _, callback := range self.stateChangeCallbacks.Get() {
		callback(state)
	}
}

// locally-originated intents. Each maps to exactly one throttle bucket.

func (self *CollabSession) ChangeView(viewId string) {
	self.throttle.Send(EventViewChange, func() {
		self.sendJson(&ViewChangeEvent{
			Event:  EventViewChange,
			ViewId: viewId,
		})
	})
}

func (self *CollabSession) ChangeFocus(rowId string) {
	self.throttle.Send(EventFocusChange, func() {
		self.sendJson(&FocusChangeEvent{
			Event: EventFocusChange,
			RowId: rowId,
		})
	})
}

func (self *CollabSession) UpdateFilterSort(viewId string, filterModel map[string]any, sortModel []*SortModelItem) {
	self.throttle.Send(EventFilterSortUpdate, func() {
		self.sendJson(&FilterSortUpdateEvent{
			Event:       EventFilterSortUpdate,
			ViewId:      viewId,
			FilterModel: filterModel,
			SortModel:   sortModel,
		})
	})
}

func (self *CollabSession) PostChatMessage(content string, viewId string) {
	self.throttle.Send(EventChatMessage, func() {
		self.sendJson(&ChatPostEvent{
			Event:   EventChatMessage,
			Content: content,
			ViewId:  viewId,
		})
	})
}

func (self *CollabSession) sendHeartbeat() {
	self.throttle.Send(EventHeartbeat, func() {
		self.sendJson(&HeartbeatEvent{
			Event: EventHeartbeat,
		})
	})
}

func (self *CollabSession) heartbeatAck() {
	self.stateLock.Lock()
	heartbeat := self.heartbeat
	self.stateLock.Unlock()
	if heartbeat != nil {
		heartbeat.Ack()
	}
}

// inbound routing. Handlers decode the full payload and mutate exactly
// one store; a payload that fails to decode is logged and dropped without
// touching connection state.
func (self *CollabSession) registerHandlers() {
	self.dispatcher.SetHandler(EventInit, func(frame []byte) {
		var event InitEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad init = %s\n", err)
			return
		}
		users := make([]*PresenceRecord, 0, len(event.Users))
		for _, user := range event.Users {
			users = append(users, &PresenceRecord{
				UserId:        user.UserId,
				Username:      user.Username,
				Color:         user.Color,
				AvatarUrl:     user.AvatarUrl,
				CurrentViewId: user.CurrentViewId,
				FocusedRowId:  user.FocusedRowId,
			})
		}
		self.presence.Init(users)
	})

	self.dispatcher.SetHandler(EventUserJoined, func(frame []byte) {
		var event UserJoinedEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad user_joined = %s\n", err)
			return
		}
		self.presence.Join(&PresenceRecord{
			UserId:    event.UserId,
			Username:  event.Username,
			Color:     event.Color,
			AvatarUrl: event.AvatarUrl,
		})
	})

	self.dispatcher.SetHandler(EventUserLeft, func(frame []byte) {
		var event UserLeftEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad user_left = %s\n", err)
			return
		}
		self.presence.Leave(event.UserId)
	})

	self.dispatcher.SetHandler(EventUserFocusChanged, func(frame []byte) {
		var event UserFocusChangedEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad user_focus_changed = %s\n", err)
			return
		}
		self.presence.SetFocus(event.UserId, event.FocusedRowId)
	})

	self.dispatcher.SetHandler(EventUserViewChanged, func(frame []byte) {
		var event UserViewChangedEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad user_view_changed = %s\n", err)
			return
		}
		self.presence.SetView(event.UserId, event.CurrentViewId)
	})

	self.dispatcher.SetHandler(EventRowUpdate, func(frame []byte) {
		var event RowUpdateEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad row_update = %s\n", err)
			return
		}
		self.cache.applyRowUpdate(&event)
	})

	self.dispatcher.SetHandler(EventChatMessage, func(frame []byte) {
		var event ChatMessageEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad chat_message = %s\n", err)
			return
		}
		self.cache.appendChatMessage(&event)
	})

	self.dispatcher.SetHandler(EventFilterSortUpdate, func(frame []byte) {
		var event FilterSortUpdateEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			glog.Infof("[dsp]drop bad filter_sort_update = %s\n", err)
			return
		}
		self.cache.setFilterSort(&event)
	})

	self.dispatcher.SetHandler(EventHeartbeatAck, func(frame []byte) {
		self.heartbeatAck()
	})
}
