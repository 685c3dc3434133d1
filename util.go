package collab

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// makes a copy of the list on update so that `Get` is safe to iterate without a lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextIds := make([]int, len(self.ids), len(self.ids)+1)
	copy(nextIds, self.ids)
	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)

	self.ids = append(nextIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, id := range self.ids {
		if id == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}

	nextIds := make([]int, 0, len(self.ids)-1)
	nextIds = append(nextIds, self.ids[:i]...)
	nextIds = append(nextIds, self.ids[i+1:]...)
	nextCallbacks := make([]T, 0, len(self.callbacks)-1)
	nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)

	self.ids = nextIds
	self.callbacks = nextCallbacks
}

// a set-once event backed by a cancelable context.
// used by ctl binaries to tie shutdown to os signals.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

func (self *Event) WaitForSet() {
	<-self.ctx.Done()
}

func (self *Event) SetOnSignals(signalValues ...os.Signal) func() {
	stopCalled := false
	samples := make(chan os.Signal, len(signalValues))
	signal.Notify(samples, signalValues...)
	go func() {
		for range samples {
			self.Set()
		}
	}()
	return func() {
		if !stopCalled {
			stopCalled = true
			signal.Stop(samples)
			close(samples)
		}
	}
}
