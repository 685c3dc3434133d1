package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// routes inbound frames by their `event` discriminant.
// handlers run synchronously on the caller, in arrival order. No reordering
// or batching: presence and cache updates must observe strict delivery order,
// otherwise a late `user_left` could resurrect stale state.

type FrameHandlerFunction = func(frame []byte)

type eventDispatcher struct {
	stateLock sync.Mutex
	handlers  map[string]FrameHandlerFunction
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: map[string]FrameHandlerFunction{},
	}
}

func (self *eventDispatcher) SetHandler(event string, handler FrameHandlerFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[event] = handler
}

// a frame that cannot be decoded, and a discriminant with no registered
// handler, are logged and dropped. Neither affects connection state.
func (self *eventDispatcher) Dispatch(frame []byte) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		glog.Infof("[dsp]drop malformed frame = %s\n", err)
		return
	}

	var handler FrameHandlerFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		handler = self.handlers[head.Event]
	}()

	if handler == nil {
		glog.Infof("[dsp]drop unknown event %s\n", head.Event)
		return
	}

	glog.V(frameTraceV).Infof("[dsp]%s\n", head.Event)
	handler(frame)
}
