// Package tracker decides whether an identifier showing up in the watch
// channel is a resend that warrants a security alert.
//
// Startup reads the entire history of the cache channel into a membership
// set. Until that load completes the tracker is Loading and ignores live
// traffic; afterwards every watch-channel message is classified against the
// set. An identifier the set already holds is benign. An identifier it has
// never seen is inserted and reported through the Notifier.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/dupwatch/alert"
	"github.com/hazyhaar/dupwatch/channels"
	"github.com/hazyhaar/dupwatch/ident"
	"github.com/hazyhaar/dupwatch/idgen"
)

const (
	DefaultPageSize  = channels.MaxPageSize
	DefaultPageDelay = 350 * time.Millisecond
)

// Source is the part of a channels.Source the tracker reads history from.
type Source interface {
	Resolve(ctx context.Context, channelID string) error
	FetchPage(ctx context.Context, channelID string, opts channels.PageOptions) ([]channels.Message, error)
}

// Pacer pauses between two history pages.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Notifier delivers an alert. A returned error is logged, never retried.
type Notifier interface {
	Notify(ctx context.Context, a alert.Alert) error
}

// Config holds the channels and paging parameters.
type Config struct {
	CacheChannelID string
	WatchChannelID string
	PageSize       int
	PageDelay      time.Duration
}

// Stats is a point-in-time summary of the tracker.
type Stats struct {
	State          State     `json:"state"`
	CacheSize      int       `json:"cache_size"`
	PagesLoaded    int64     `json:"pages_loaded"`
	NotReady       int64     `json:"not_ready"`
	OtherChannel   int64     `json:"other_channel"`
	NoIdentifier   int64     `json:"no_identifier"`
	Benign         int64     `json:"benign"`
	Resends        int64     `json:"resends"`
	AlertFailures  int64     `json:"alert_failures"`
	LoadError      string    `json:"load_error,omitempty"`
	LoadCompleteAt time.Time `json:"load_complete_at,omitempty"`
}

// Tracker owns the membership set and the Loading/Ready state machine.
type Tracker struct {
	cfg      Config
	source   Source
	notifier Notifier
	logger   *slog.Logger
	recorder Recorder
	newID    idgen.Generator
	pacer    Pacer

	set         *Set
	state       atomic.Int32
	loadStarted atomic.Bool

	pages         atomic.Int64
	verdicts      [VerdictResend + 1]atomic.Int64
	alertFailures atomic.Int64
	loadErr       atomic.Pointer[string]
	loadDoneAt    atomic.Pointer[time.Time]
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithRecorder sends tracker events to r.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithIDGenerator sets the alert ID generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(t *Tracker) { t.newID = g }
}

// WithPacer replaces the default fixed PageDelay pause between pages.
func WithPacer(p Pacer) Option {
	return func(t *Tracker) { t.pacer = p }
}

// New creates a Tracker in the Loading state.
func New(cfg Config, src Source, n Notifier, opts ...Option) *Tracker {
	if cfg.PageSize <= 0 || cfg.PageSize > channels.MaxPageSize {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	t := &Tracker{
		cfg:      cfg,
		source:   src,
		notifier: n,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		newID:    idgen.AlertID,
		pacer:    pageDelay(cfg.PageDelay),
		set:      NewSet(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// Set exposes the membership set.
func (t *Tracker) Set() *Set { return t.set }

// LoadHistory resolves both channels, then walks the cache channel history
// newest to oldest, one page at a time, inserting every identifier found.
// Each page after the first is fetched PageDelay after the previous one
// returned.
//
// On success the tracker becomes Ready. On any failure it stays Loading, the
// identifiers collected so far are kept, and the error is returned. Live
// messages are ignored for as long as the tracker is Loading.
func (t *Tracker) LoadHistory(ctx context.Context) error {
	if !t.loadStarted.CompareAndSwap(false, true) {
		return ErrLoadStarted
	}

	if err := t.load(ctx); err != nil {
		msg := err.Error()
		t.loadErr.Store(&msg)
		t.logger.Error("history load aborted",
			"pages", t.pages.Load(), "cached", t.set.Len(), "error", err)
		t.recorder.Record(ctx, Event{
			Kind:      EventLoadAborted,
			ChannelID: t.cfg.CacheChannelID,
			Page:      int(t.pages.Load()),
			CacheSize: t.set.Len(),
			Err:       msg,
			At:        time.Now(),
		})
		return err
	}

	now := time.Now()
	t.loadDoneAt.Store(&now)
	t.state.Store(int32(Ready))
	t.logger.Info("history loaded, watching",
		"pages", t.pages.Load(), "cached", t.set.Len(), "watch_channel", t.cfg.WatchChannelID)
	t.recorder.Record(ctx, Event{
		Kind:      EventLoadComplete,
		ChannelID: t.cfg.CacheChannelID,
		Page:      int(t.pages.Load()),
		CacheSize: t.set.Len(),
		At:        now,
	})
	return nil
}

func (t *Tracker) load(ctx context.Context) error {
	if err := t.source.Resolve(ctx, t.cfg.CacheChannelID); err != nil {
		return fmt.Errorf("resolve cache channel: %w", err)
	}
	if err := t.source.Resolve(ctx, t.cfg.WatchChannelID); err != nil {
		return fmt.Errorf("resolve watch channel: %w", err)
	}

	var cursor string
	for {
		page, err := t.source.FetchPage(ctx, t.cfg.CacheChannelID, channels.PageOptions{
			Limit:  t.cfg.PageSize,
			Before: cursor,
		})
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", t.pages.Load()+1, err)
		}
		n := t.pages.Add(1)
		if len(page) == 0 {
			t.logger.Info("history page", "page", n, "fetched", 0, "cached", t.set.Len())
			return nil
		}

		for _, m := range page {
			if v, ok := ident.Extract(m); ok {
				t.set.Insert(ident.Normalize(v))
			}
		}
		t.logger.Info("history page", "page", n, "fetched", len(page), "cached", t.set.Len())
		t.recorder.Record(ctx, Event{
			Kind:      EventPageLoaded,
			ChannelID: t.cfg.CacheChannelID,
			MessageID: page[len(page)-1].ID,
			Page:      int(n),
			Fetched:   len(page),
			CacheSize: t.set.Len(),
			At:        time.Now(),
		})

		oldest := page[len(page)-1].ID
		if oldest == "" || oldest == cursor {
			return nil
		}
		cursor = oldest

		if err := t.pacer.Wait(ctx); err != nil {
			return err
		}
	}
}

// HandleMessage classifies one live message. It is safe for concurrent use.
func (t *Tracker) HandleMessage(ctx context.Context, msg channels.Message) Verdict {
	v := t.classify(ctx, msg)
	t.verdicts[v].Add(1)
	return v
}

// Handle adapts HandleMessage to channels.InboundHandler.
func (t *Tracker) Handle(ctx context.Context, msg channels.Message) {
	t.HandleMessage(ctx, msg)
}

func (t *Tracker) classify(ctx context.Context, msg channels.Message) Verdict {
	if t.State() != Ready {
		return VerdictNotReady
	}
	if msg.ChannelID != t.cfg.WatchChannelID {
		return VerdictOtherChannel
	}
	raw, ok := ident.Extract(msg)
	if !ok {
		t.logger.Debug("no identifier", "message_id", msg.ID)
		return VerdictNoIdentifier
	}
	key := ident.Normalize(raw)

	if !t.set.Insert(key) {
		t.logger.Info("duplicate (already cached)", "identifier", raw, "message_id", msg.ID)
		t.recorder.Record(ctx, Event{
			Kind:       EventBenign,
			Identifier: key,
			MessageID:  msg.ID,
			ChannelID:  msg.ChannelID,
			CacheSize:  t.set.Len(),
			At:         time.Now(),
		})
		return VerdictBenign
	}

	a := alert.Alert{ID: t.newID(), Identifier: raw, Message: msg}
	t.logger.Warn("unexpected resend, alerting",
		"identifier", raw, "message_id", msg.ID, "alert_id", a.ID)
	t.recorder.Record(ctx, Event{
		Kind:       EventResend,
		Identifier: key,
		MessageID:  msg.ID,
		ChannelID:  msg.ChannelID,
		AlertID:    a.ID,
		CacheSize:  t.set.Len(),
		At:         time.Now(),
	})

	if err := t.notifier.Notify(ctx, a); err != nil {
		t.alertFailures.Add(1)
		attrs := []any{"alert_id", a.ID, "identifier", raw, "error", err}
		var de *alert.DeliveryError
		if errors.As(err, &de) && de.StatusCode != 0 {
			attrs = append(attrs, "status", de.StatusCode, "body", de.Body)
		}
		t.logger.Error("alert delivery failed", attrs...)
		t.recorder.Record(ctx, Event{
			Kind:       EventAlertFailed,
			Identifier: key,
			MessageID:  msg.ID,
			ChannelID:  msg.ChannelID,
			AlertID:    a.ID,
			CacheSize:  t.set.Len(),
			Err:        err.Error(),
			At:         time.Now(),
		})
		return VerdictResend
	}

	t.recorder.Record(ctx, Event{
		Kind:       EventAlertDelivered,
		Identifier: key,
		MessageID:  msg.ID,
		ChannelID:  msg.ChannelID,
		AlertID:    a.ID,
		CacheSize:  t.set.Len(),
		At:         time.Now(),
	})
	return VerdictResend
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	s := Stats{
		State:         t.State(),
		CacheSize:     t.set.Len(),
		PagesLoaded:   t.pages.Load(),
		NotReady:      t.verdicts[VerdictNotReady].Load(),
		OtherChannel:  t.verdicts[VerdictOtherChannel].Load(),
		NoIdentifier:  t.verdicts[VerdictNoIdentifier].Load(),
		Benign:        t.verdicts[VerdictBenign].Load(),
		Resends:       t.verdicts[VerdictResend].Load(),
		AlertFailures: t.alertFailures.Load(),
	}
	if e := t.loadErr.Load(); e != nil {
		s.LoadError = *e
	}
	if at := t.loadDoneAt.Load(); at != nil {
		s.LoadCompleteAt = *at
	}
	return s
}

// pageDelay sleeps for a fixed duration, measured from the end of the
// previous fetch. Zero or less does not pause.
type pageDelay time.Duration

func (d pageDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
