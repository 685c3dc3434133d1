package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// detects silently-dead connections that the transport layer itself
// fails to report. Each probe sends a `heartbeat` envelope and waits for
// the relay's `heartbeat_ack`. An ack resets the missed count; a timeout
// increments it; reaching the ceiling forces the session closed.
//
// the monitor's context derives from the connection context, so teardown
// of the connection releases every heartbeat timer.
type heartbeatMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	send       func()
	disconnect func()
	settings   *CollabSettings

	acks chan struct{}
}

func newHeartbeatMonitor(
	ctx context.Context,
	send func(),
	disconnect func(),
	settings *CollabSettings,
) *heartbeatMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	monitor := &heartbeatMonitor{
		ctx:        cancelCtx,
		cancel:     cancel,
		send:       send,
		disconnect: disconnect,
		settings:   settings,
		acks:       make(chan struct{}, 1),
	}
	go monitor.run()
	return monitor
}

func (self *heartbeatMonitor) Ack() {
	select {
	case self.acks <- struct{}{}:
	default:
	}
}

func (self *heartbeatMonitor) run() {
	defer self.cancel()

	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()

	missedCount := 0
	var ackTimeout <-chan time.Time
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.send()
			ackTimeout = time.After(self.settings.HeartbeatAckTimeout)
		case <-self.acks:
			// an ack at any time proves the connection is alive,
			// even one that arrives after its probe's timeout
			missedCount = 0
			ackTimeout = nil
		case <-ackTimeout:
			ackTimeout = nil
			missedCount += 1
			glog.Infof("[hb]missed ack %d/%d\n", missedCount, self.settings.HeartbeatMissCeiling)
			if self.settings.HeartbeatMissCeiling <= missedCount {
				glog.Infof("[hb]connection silent, closing\n")
				self.disconnect()
				return
			}
		}
	}
}

func (self *heartbeatMonitor) Close() {
	self.cancel()
}
