package tracker

import (
	"context"
	"time"
)

// EventKind names a tracker event.
type EventKind string

const (
	EventPageLoaded     EventKind = "page_loaded"
	EventLoadComplete   EventKind = "load_complete"
	EventLoadAborted    EventKind = "load_aborted"
	EventBenign         EventKind = "benign"
	EventResend         EventKind = "resend"
	EventAlertDelivered EventKind = "alert_delivered"
	EventAlertFailed    EventKind = "alert_failed"
)

// Event is one entry of the tracker's audit trail. Fields irrelevant to a
// kind are left zero.
type Event struct {
	Kind       EventKind `json:"kind"`
	Identifier string    `json:"identifier,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	AlertID    string    `json:"alert_id,omitempty"`
	Page       int       `json:"page,omitempty"`
	Fetched    int       `json:"fetched,omitempty"`
	CacheSize  int       `json:"cache_size"`
	Err        string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Recorder receives tracker events. Implementations must not block for long;
// Record is called inline from the load loop and the watch handler.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
