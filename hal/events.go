package hal

import (
	"context"
	"time"

	"github.com/derktes/signal-recorder/signal"
)

// heartbeatLag is how far behind the counter a heartbeat is stamped. Edges
// are timestamped by the kernel and can reach user space after a heartbeat
// taken later than them.
const heartbeatLag = 2000

// eventLoop merges kernel edge events and quiet-line heartbeats into one
// stream whose times never run backwards. An edge that still arrives behind
// the last emitted time is moved up to it.
type eventLoop struct {
	fn  func(Observation)
	now func() uint32
	lag uint32

	level  signal.Level
	last   uint32
	primed bool
}

func (l *eventLoop) emit(o Observation) {
	if l.primed && Before(o.Time, l.last) {
		o.Time = l.last
	}
	l.level, l.last, l.primed = o.Level, o.Time, true
	l.fn(o)
}

// start reports the level read when the line was requested.
func (l *eventLoop) start(level signal.Level) {
	l.emit(Observation{Level: level, Time: l.now() - l.lag})
}

// heartbeat repeats the current level, unless an edge newer than the
// heartbeat time has already gone out.
func (l *eventLoop) heartbeat() {
	t := l.now() - l.lag
	if l.primed && !Before(l.last, t) {
		return
	}
	l.emit(Observation{Level: l.level, Time: t})
}

func (l *eventLoop) run(ctx context.Context, events <-chan Observation, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-events:
			l.emit(o)
		case <-tick:
			if len(events) == 0 {
				l.heartbeat()
			}
		}
	}
}
