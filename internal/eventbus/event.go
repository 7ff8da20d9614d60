// Package eventbus fans progress and state-transition notifications out
// of the Transfer Engine to one or more consumers (UI, logs) without
// coupling the engine to how a consumer drains them.
package eventbus

import "time"

// Kind identifies which variant an Event carries.
type Kind int

const (
	KindStarted Kind = iota
	KindProgress
	KindPaused
	KindResumed
	KindCompleted
	KindFailed
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindProgress:
		return "progress"
	case KindPaused:
		return "paused"
	case KindResumed:
		return "resumed"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Snapshot is the in-memory progress view published with Progress
// events (§3.3). FileSize, SpeedBPS, and ETASeconds are zero-value
// absent when unknown.
type Snapshot struct {
	ID               string
	DownloadedBytes  int64
	FileSize         int64
	HasFileSize      bool
	SpeedBPS         float64
	ETASeconds       int64
	HasETA           bool
	ProgressPercent  float64
	HasProgress      bool
}

// Event is the sum type published on the bus. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind      Kind
	ID        string
	Snapshot  Snapshot
	SavePath  string
	Checksum  string
	ErrorKind string
	Message   string
	At        time.Time
}

func Started(id string, at time.Time) Event {
	return Event{Kind: KindStarted, ID: id, At: at}
}

func Progress(snap Snapshot, at time.Time) Event {
	return Event{Kind: KindProgress, ID: snap.ID, Snapshot: snap, At: at}
}

func Paused(id string, at time.Time) Event {
	return Event{Kind: KindPaused, ID: id, At: at}
}

func Resumed(id string, at time.Time) Event {
	return Event{Kind: KindResumed, ID: id, At: at}
}

func Completed(id, savePath, checksum string, at time.Time) Event {
	return Event{Kind: KindCompleted, ID: id, SavePath: savePath, Checksum: checksum, At: at}
}

func Failed(id, errorKind, message string, at time.Time) Event {
	return Event{Kind: KindFailed, ID: id, ErrorKind: errorKind, Message: message, At: at}
}

func Cancelled(id string, at time.Time) Event {
	return Event{Kind: KindCancelled, ID: id, At: at}
}

// IsTerminal reports whether the event ends the event stream for its id.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	default:
		return false
	}
}
