package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dupwatch/idgen"
	"github.com/hazyhaar/dupwatch/tracker"
)

const insertEventSQL = `INSERT INTO tracker_events
	(event_id, at_ms, kind, identifier, message_id, channel_id, alert_id,
	 page, fetched, cache_size, error)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)`

type journalEntry struct {
	id string
	ev tracker.Event
}

// Journal persists tracker events asynchronously. It implements
// tracker.Recorder. The journal is an audit trail: nothing reads it back to
// rebuild tracker state.
type Journal struct {
	db            *sql.DB
	newID         idgen.Generator
	logger        *slog.Logger
	metrics       *MetricsManager
	flushInterval time.Duration
	batchSize     int

	ch        chan journalEntry
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalIDGenerator sets a custom ID generator for event IDs.
func WithJournalIDGenerator(gen idgen.Generator) JournalOption {
	return func(j *Journal) { j.newID = gen }
}

// WithJournalLogger sets a custom logger.
func WithJournalLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// WithMetrics derives load and delivery metrics from recorded events.
func WithMetrics(mm *MetricsManager) JournalOption {
	return func(j *Journal) { j.metrics = mm }
}

// WithFlushInterval sets how often buffered events are written. Default 2s.
func WithFlushInterval(d time.Duration) JournalOption {
	return func(j *Journal) { j.flushInterval = d }
}

// NewJournal creates an async journal. Recommended bufferSize: 1000.
func NewJournal(db *sql.DB, bufferSize int, opts ...JournalOption) *Journal {
	j := &Journal{
		db:            db,
		newID:         idgen.EventID,
		logger:        slog.Default(),
		flushInterval: 2 * time.Second,
		batchSize:     100,
		ch:            make(chan journalEntry, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	go j.flushLoop()
	return j
}

// Record queues e for persistence. Falls back to a synchronous insert when
// the buffer is full.
func (j *Journal) Record(_ context.Context, e tracker.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	j.observe(e)

	entry := journalEntry{id: j.newID(), ev: e}
	select {
	case j.ch <- entry:
	default:
		j.logger.Warn("observability journal buffer full, sync fallback", "kind", e.Kind)
		if err := j.insert(context.Background(), entry); err != nil {
			j.logger.Error("observability journal: sync fallback failed", "error", err)
		}
	}
}

func (j *Journal) observe(e tracker.Event) {
	if j.metrics == nil {
		return
	}
	switch e.Kind {
	case tracker.EventPageLoaded:
		j.metrics.Record(&Metric{
			Name:      MetricHistoryPageMessages,
			Timestamp: e.At,
			Value:     float64(e.Fetched),
			Labels:    map[string]string{"page": fmt.Sprint(e.Page)},
			Unit:      "count",
		})
	case tracker.EventLoadComplete:
		j.metrics.Record(&Metric{Name: MetricMembershipSize, Timestamp: e.At, Value: float64(e.CacheSize), Unit: "count"})
	case tracker.EventAlertFailed:
		j.metrics.Record(&Metric{Name: MetricAlertDeliveryFailed, Timestamp: e.At, Value: 1, Unit: "count"})
	}
}

// Recent returns up to limit events, newest first. kind filters when not empty.
func (j *Journal) Recent(ctx context.Context, kind tracker.EventKind, limit int) ([]tracker.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT at_ms, kind, identifier, message_id, channel_id, alert_id,
		page, fetched, cache_size, error
		FROM tracker_events`
	var args []any
	if kind != "" {
		q += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	q += " ORDER BY at_ms DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracker events: %w", err)
	}
	defer rows.Close()

	var out []tracker.Event
	for rows.Next() {
		var e tracker.Event
		var atMs int64
		var kindStr string
		var ident, msgID, chID, alertID, errMsg sql.NullString
		var page, fetched sql.NullInt64
		if err := rows.Scan(&atMs, &kindStr, &ident, &msgID, &chID, &alertID,
			&page, &fetched, &e.CacheSize, &errMsg); err != nil {
			return nil, fmt.Errorf("scan tracker event: %w", err)
		}
		e.At = time.UnixMilli(atMs)
		e.Kind = tracker.EventKind(kindStr)
		e.Identifier = ident.String
		e.MessageID = msgID.String
		e.ChannelID = chID.String
		e.AlertID = alertID.String
		e.Err = errMsg.String
		e.Page = int(page.Int64)
		e.Fetched = int(fetched.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retentionDays.
func (j *Journal) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := j.db.ExecContext(ctx, "DELETE FROM tracker_events WHERE at_ms < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup tracker events: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine. Safe to call twice.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.stop)
		<-j.done
	})
	return nil
}

func (j *Journal) flushLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()
	batch := make([]journalEntry, 0, j.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.insertBatch(batch); err != nil {
			j.logger.Error("observability journal: flush", "error", err, "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-j.stop:
			for {
				select {
				case e := <-j.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-j.ch:
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Journal) insertBatch(batch []journalEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, eventArgs(e)...); err != nil {
			j.logger.Error("observability journal: insert", "error", err, "event_id", e.id)
		}
	}
	return tx.Commit()
}

func (j *Journal) insert(ctx context.Context, e journalEntry) error {
	_, err := j.db.ExecContext(ctx, insertEventSQL, eventArgs(e)...)
	return err
}

func eventArgs(e journalEntry) []any {
	return []any{
		e.id, e.ev.At.UnixMilli(), string(e.ev.Kind),
		nullString(e.ev.Identifier), nullString(e.ev.MessageID),
		nullString(e.ev.ChannelID), nullString(e.ev.AlertID),
		e.ev.Page, e.ev.Fetched, e.ev.CacheSize, nullString(e.ev.Err),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
