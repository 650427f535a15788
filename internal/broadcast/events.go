package broadcast

import "time"

// Event types published on the event bus.
const (
	EventLoopStarted      = "broadcast.loop.started"
	EventLoopStopped      = "broadcast.loop.stopped"
	EventDispatchFinished = "broadcast.dispatch.finished"
)

// LoopEvent is the Data of EventLoopStarted and EventLoopStopped.
type LoopEvent struct {
	BotID       int64
	BroadcastID string
	Reason      string // "replaced", "stopped", "shutdown" for stops
	At          time.Time
}
