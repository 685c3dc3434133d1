package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// bounds locally-originated traffic to at most one send per window per
// event kind, without ever losing the most recent intent.
//
// trailing-edge coalescing: if the window has elapsed since the bucket's
// last send, send immediately. Otherwise remember the call as pending and
// arm one timer for the remainder of the window; when it fires, the most
// recently remembered call is sent, not necessarily the one that armed
// the timer. Delivery is never starved as long as calls keep arriving.

type sendThrottle struct {
	window time.Duration

	stateLock sync.Mutex
	buckets   map[string]*throttleBucket
}

type throttleBucket struct {
	lastSendTime time.Time
	pending      func()
	trailing     *time.Timer
}

func newSendThrottle(window time.Duration) *sendThrottle {
	return &sendThrottle{
		window:  window,
		buckets: map[string]*throttleBucket{},
	}
}

func (self *sendThrottle) Send(kind string, send func()) {
	now := time.Now()

	immediate := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		bucket, ok := self.buckets[kind]
		if !ok {
			bucket = &throttleBucket{}
			self.buckets[kind] = bucket
		}

		if self.window <= now.Sub(bucket.lastSendTime) {
			bucket.lastSendTime = now
			return true
		}

		bucket.pending = send
		if bucket.trailing == nil {
			remaining := self.window - now.Sub(bucket.lastSendTime)
			bucket.trailing = time.AfterFunc(remaining, func() {
				self.fire(kind)
			})
			glog.V(frameTraceV).Infof("[thr]%s coalesce %s\n", kind, remaining)
		}
		return false
	}()

	if immediate {
		send()
	}
}

func (self *sendThrottle) fire(kind string) {
	var send func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		bucket, ok := self.buckets[kind]
		if !ok || bucket.trailing == nil {
			// canceled between the timer firing and this call
			return
		}
		send = bucket.pending
		bucket.pending = nil
		bucket.trailing = nil
		bucket.lastSendTime = time.Now()
	}()

	if send != nil {
		send()
	}
}

// releases trailing timers and pending intents. Called on connection
// teardown so no timer outlives its connection. Presence data is
// perishable, so dropped intents are retried implicitly by the next
// user action.
func (self *sendThrottle) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, bucket := range self.buckets {
		if bucket.trailing != nil {
			bucket.trailing.Stop()
			bucket.trailing = nil
		}
		bucket.pending = nil
	}
}
