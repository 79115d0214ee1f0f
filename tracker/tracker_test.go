package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/dupwatch/alert"
	"github.com/hazyhaar/dupwatch/channels"
	"github.com/hazyhaar/dupwatch/idgen"
)

const (
	cacheCh = "cache"
	watchCh = "watch"
)

// historySource serves a cache channel whose messages have IDs 1..n, each
// carrying identifier "user<id>".
type historySource struct {
	mu       sync.Mutex
	n        int
	known    map[string]bool
	failAt   int // 1-based fetch number that fails; 0 never
	fetches  []channels.PageOptions
	resolved []string
}

func newHistorySource(n int) *historySource {
	return &historySource{n: n, known: map[string]bool{cacheCh: true, watchCh: true}}
}

func (s *historySource) Resolve(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, id)
	if !s.known[id] {
		return &channels.ErrChannelNotFound{Channel: id}
	}
	return nil
}

func (s *historySource) FetchPage(_ context.Context, id string, opts channels.PageOptions) ([]channels.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, opts)
	if s.failAt > 0 && len(s.fetches) == s.failAt {
		return nil, &channels.ErrFetchFailed{Channel: id, Before: opts.Before, Cause: errors.New("502 bad gateway")}
	}
	top := s.n
	if opts.Before != "" {
		b, _ := strconv.Atoi(opts.Before)
		top = b - 1
	}
	var page []channels.Message
	for i := top; i >= 1 && len(page) < opts.Limit; i-- {
		page = append(page, identMsg(cacheCh, strconv.Itoa(i), fmt.Sprintf("User%d", i)))
	}
	return page, nil
}

func (s *historySource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetches)
}

func identMsg(channel, id, identifier string) channels.Message {
	return channels.Message{
		ID:        id,
		ChannelID: channel,
		Embeds: []channels.Embed{{
			Fields: []channels.EmbedField{{Name: "Discord", Value: identifier}},
		}},
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Record(_ context.Context, e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingPacer never blocks; it counts waits and may run a hook on each.
type countingPacer struct {
	waits  int
	onWait func(n int) error
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.waits++
	if p.onWait != nil {
		if err := p.onWait(p.waits); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func newTestTracker(src Source, n Notifier, opts ...Option) *Tracker {
	base := []Option{WithLogger(quietLogger()), WithPacer(&countingPacer{}), WithIDGenerator(idgen.Sequence())}
	return New(Config{CacheChannelID: cacheCh, WatchChannelID: watchCh}, src, n, append(base, opts...)...)
}

func readyTracker(t *testing.T, n int, notifier Notifier, opts ...Option) *Tracker {
	t.Helper()
	tr := newTestTracker(newHistorySource(n), notifier, opts...)
	if err := tr.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	return tr
}

func TestSet_InsertIdempotent(t *testing.T) {
	s := NewSet()
	if !s.Insert("a") {
		t.Fatal("first insert should report new")
	}
	if s.Insert("a") {
		t.Fatal("second insert should report existing")
	}
	if s.Len() != 1 || !s.Contains("a") || s.Contains("b") {
		t.Fatalf("unexpected set state: len=%d", s.Len())
	}
}

func TestLoadHistory_PageCount(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100, 250, 300} {
		src := newHistorySource(n)
		tr := newTestTracker(src, &fakeNotifier{})
		if err := tr.LoadHistory(context.Background()); err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		want := n/100 + 1
		if n%100 != 0 {
			// A short page is followed by one more fetch that comes back empty.
			want = n/100 + 2
		}
		if n == 0 {
			want = 1
		}
		if got := src.fetchCount(); got != want {
			t.Errorf("n=%d: fetches=%d, want %d", n, got, want)
		}
		if tr.State() != Ready {
			t.Errorf("n=%d: state=%s", n, tr.State())
		}
		if tr.Set().Len() != n {
			t.Errorf("n=%d: cached=%d", n, tr.Set().Len())
		}
	}
}

func TestLoadHistory_CursorAndLimit(t *testing.T) {
	src := newHistorySource(200)
	tr := New(Config{CacheChannelID: cacheCh, WatchChannelID: watchCh, PageSize: 500},
		src, &fakeNotifier{}, WithLogger(quietLogger()), WithPacer(&countingPacer{}))
	if err := tr.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []channels.PageOptions{
		{Limit: 100, Before: ""},
		{Limit: 100, Before: "101"},
		{Limit: 100, Before: "1"},
	}
	if len(src.fetches) != len(want) {
		t.Fatalf("fetches: %+v", src.fetches)
	}
	for i := range want {
		if src.fetches[i] != want[i] {
			t.Errorf("fetch %d: got %+v, want %+v", i, src.fetches[i], want[i])
		}
	}
}

func TestLoadHistory_NormalizesIdentifiers(t *testing.T) {
	tr := readyTracker(t, 3, &fakeNotifier{})
	if !tr.Set().Contains("user2") || tr.Set().Contains("User2") {
		t.Fatal("identifiers should be stored lowercased")
	}
}

func TestLoadHistory_PausesBetweenPages(t *testing.T) {
	p := &countingPacer{}
	src := newHistorySource(200)
	tr := newTestTracker(src, &fakeNotifier{}, WithPacer(p))
	if err := tr.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	// No pause before the first fetch, one before each later fetch.
	if p.waits != src.fetchCount()-1 {
		t.Fatalf("waits=%d fetches=%d", p.waits, src.fetchCount())
	}
}

// slowSource delays every page fetch.
type slowSource struct {
	*historySource
	latency time.Duration

	mu    sync.Mutex
	ends  []time.Time
	start []time.Time
}

func (s *slowSource) FetchPage(ctx context.Context, id string, opts channels.PageOptions) ([]channels.Message, error) {
	s.mu.Lock()
	s.start = append(s.start, time.Now())
	s.mu.Unlock()
	time.Sleep(s.latency)
	page, err := s.historySource.FetchPage(ctx, id, opts)
	s.mu.Lock()
	s.ends = append(s.ends, time.Now())
	s.mu.Unlock()
	return page, err
}

func TestLoadHistory_DelayFollowsSlowFetch(t *testing.T) {
	const (
		latency = 60 * time.Millisecond
		delay   = 40 * time.Millisecond
	)
	src := &slowSource{historySource: newHistorySource(200), latency: latency}
	tr := New(Config{CacheChannelID: cacheCh, WatchChannelID: watchCh, PageDelay: delay},
		src, &fakeNotifier{}, WithLogger(quietLogger()))

	begin := time.Now()
	if err := tr.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(src.start) != 3 {
		t.Fatalf("fetches: %d", len(src.start))
	}
	for i := 1; i < len(src.start); i++ {
		if gap := src.start[i].Sub(src.ends[i-1]); gap < delay-5*time.Millisecond {
			t.Errorf("fetch %d started %v after the previous one returned", i+1, gap)
		}
	}
	if el := time.Since(begin); el < 3*latency+2*delay-10*time.Millisecond {
		t.Fatalf("load took %v", el)
	}
}

func TestPageDelay(t *testing.T) {
	if err := pageDelay(0).Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := pageDelay(30 * time.Millisecond).Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 25*time.Millisecond {
		t.Fatalf("returned after %v", el)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pageDelay(time.Hour).Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// stallSource returns the same page forever. The oldest message carries
// lastID.
type stallSource struct {
	lastID  string
	fetches int
}

func (s *stallSource) Resolve(context.Context, string) error { return nil }

func (s *stallSource) FetchPage(_ context.Context, _ string, _ channels.PageOptions) ([]channels.Message, error) {
	s.fetches++
	return []channels.Message{
		identMsg(cacheCh, "9", "alice"),
		identMsg(cacheCh, s.lastID, "bob"),
	}, nil
}

func TestLoadHistory_StallStops(t *testing.T) {
	cases := []struct {
		lastID      string
		wantFetches int
	}{
		{lastID: "", wantFetches: 1},  // no cursor to advance to
		{lastID: "5", wantFetches: 2}, // cursor would not move
	}
	for _, tc := range cases {
		src := &stallSource{lastID: tc.lastID}
		tr := newTestTracker(src, &fakeNotifier{})
		if err := tr.LoadHistory(context.Background()); err != nil {
			t.Fatalf("lastID=%q: %v", tc.lastID, err)
		}
		if src.fetches != tc.wantFetches {
			t.Errorf("lastID=%q: fetches=%d, want %d", tc.lastID, src.fetches, tc.wantFetches)
		}
		if tr.State() != Ready {
			t.Errorf("lastID=%q: state=%s", tc.lastID, tr.State())
		}
		if tr.Set().Len() != 2 {
			t.Errorf("lastID=%q: cached=%d", tc.lastID, tr.Set().Len())
		}
	}
}

func TestLoadHistory_FetchErrorKeepsPartialSet(t *testing.T) {
	src := newHistorySource(300)
	src.failAt = 2
	events := &eventLog{}
	tr := newTestTracker(src, &fakeNotifier{}, WithRecorder(events))

	err := tr.LoadHistory(context.Background())
	var fe *channels.ErrFetchFailed
	if !errors.As(err, &fe) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if src.fetchCount() != 2 {
		t.Fatalf("no retry expected, got %d fetches", src.fetchCount())
	}
	if tr.State() != Loading {
		t.Fatal("tracker must stay loading after a fetch error")
	}
	if tr.Set().Len() != 100 {
		t.Fatalf("partial set: %d", tr.Set().Len())
	}
	kinds := events.kinds()
	if kinds[len(kinds)-1] != EventLoadAborted {
		t.Fatalf("events: %v", kinds)
	}
	if tr.Stats().LoadError == "" {
		t.Fatal("stats should carry the load error")
	}

	// Live messages stay ignored.
	n := &fakeNotifier{}
	tr.notifier = n
	if v := tr.HandleMessage(context.Background(), identMsg(watchCh, "x", "stranger")); v != VerdictNotReady {
		t.Fatalf("verdict: %s", v)
	}
	if n.count() != 0 {
		t.Fatal("no alert expected while loading")
	}
}

func TestLoadHistory_UnresolvedChannel(t *testing.T) {
	for _, missing := range []string{cacheCh, watchCh} {
		src := newHistorySource(10)
		delete(src.known, missing)
		tr := newTestTracker(src, &fakeNotifier{})

		err := tr.LoadHistory(context.Background())
		var nf *channels.ErrChannelNotFound
		if !errors.As(err, &nf) || nf.Channel != missing {
			t.Fatalf("%s: expected ErrChannelNotFound, got %v", missing, err)
		}
		if src.fetchCount() != 0 {
			t.Fatalf("%s: no fetch expected, got %d", missing, src.fetchCount())
		}
		if tr.State() != Loading {
			t.Fatalf("%s: state=%s", missing, tr.State())
		}
	}
}

func TestLoadHistory_SecondCall(t *testing.T) {
	tr := readyTracker(t, 5, &fakeNotifier{})
	if err := tr.LoadHistory(context.Background()); !errors.Is(err, ErrLoadStarted) {
		t.Fatalf("expected ErrLoadStarted, got %v", err)
	}
}

func TestLoadHistory_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPacer{onWait: func(n int) error {
		if n == 1 {
			cancel()
		}
		return nil
	}}
	src := newHistorySource(500)
	tr := newTestTracker(src, &fakeNotifier{}, WithPacer(p))
	if err := tr.LoadHistory(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if src.fetchCount() != 1 || tr.State() != Loading {
		t.Fatalf("fetches=%d state=%s", src.fetchCount(), tr.State())
	}
}

func TestHandleMessage_KnownIdentifierIsBenign(t *testing.T) {
	n := &fakeNotifier{}
	tr := readyTracker(t, 10, n)
	before := tr.Set().Len()

	if v := tr.HandleMessage(context.Background(), identMsg(watchCh, "w1", "USER7")); v != VerdictBenign {
		t.Fatalf("verdict: %s", v)
	}
	if n.count() != 0 || tr.Set().Len() != before {
		t.Fatalf("alerts=%d size=%d", n.count(), tr.Set().Len())
	}
}

func TestHandleMessage_NewIdentifierAlerts(t *testing.T) {
	n := &fakeNotifier{}
	events := &eventLog{}
	tr := readyTracker(t, 10, n, WithRecorder(events))

	msg := identMsg(watchCh, "w1", "Mallory")
	if v := tr.HandleMessage(context.Background(), msg); v != VerdictResend {
		t.Fatalf("verdict: %s", v)
	}
	if !tr.Set().Contains("mallory") {
		t.Fatal("new identifier should be inserted")
	}
	if n.count() != 1 {
		t.Fatalf("alerts: %d", n.count())
	}
	a := n.alerts[0]
	if a.Identifier != "Mallory" || a.Message.ID != "w1" || a.ID == "" {
		t.Fatalf("alert: %+v", a)
	}

	// The same identifier is now known.
	if v := tr.HandleMessage(context.Background(), identMsg(watchCh, "w2", "mallory")); v != VerdictBenign {
		t.Fatalf("second verdict: %s", v)
	}
	if n.count() != 1 {
		t.Fatalf("alerts after repeat: %d", n.count())
	}

	kinds := events.kinds()
	tail := kinds[len(kinds)-3:]
	want := []EventKind{EventResend, EventAlertDelivered, EventBenign}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("events tail: %v", tail)
		}
	}
}

func TestHandleMessage_Ignored(t *testing.T) {
	n := &fakeNotifier{}
	tr := readyTracker(t, 1, n)

	cases := []struct {
		msg  channels.Message
		want Verdict
	}{
		{identMsg("elsewhere", "o1", "stranger"), VerdictOtherChannel},
		{identMsg(cacheCh, "o2", "stranger"), VerdictOtherChannel},
		{channels.Message{ID: "o3", ChannelID: watchCh}, VerdictNoIdentifier},
	}
	for _, c := range cases {
		if v := tr.HandleMessage(context.Background(), c.msg); v != c.want {
			t.Errorf("%s: got %s, want %s", c.msg.ID, v, c.want)
		}
	}
	if n.count() != 0 || tr.Set().Contains("stranger") {
		t.Fatal("ignored messages must not alert or mutate the set")
	}
}

func TestHandleMessage_DeliveryFailureKeepsInsert(t *testing.T) {
	n := &fakeNotifier{err: &alert.DeliveryError{StatusCode: 500, Body: "boom"}}
	tr := readyTracker(t, 1, n)

	if v := tr.HandleMessage(context.Background(), identMsg(watchCh, "w1", "eve")); v != VerdictResend {
		t.Fatalf("verdict: %s", v)
	}
	if !tr.Set().Contains("eve") {
		t.Fatal("insert must not be rolled back")
	}
	if tr.State() != Ready {
		t.Fatal("delivery failure must not change state")
	}
	if tr.Stats().AlertFailures != 1 {
		t.Fatalf("stats: %+v", tr.Stats())
	}
	// Known now, so no second attempt.
	tr.HandleMessage(context.Background(), identMsg(watchCh, "w2", "eve"))
	if n.count() != 1 {
		t.Fatalf("alerts: %d", n.count())
	}
}

func TestHandleMessage_ConcurrentSameIdentifierAlertsOnce(t *testing.T) {
	n := &fakeNotifier{}
	tr := readyTracker(t, 1, n)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.HandleMessage(context.Background(), identMsg(watchCh, strconv.Itoa(i), "Racer"))
		}(i)
	}
	wg.Wait()

	if n.count() != 1 {
		t.Fatalf("alerts: got %d, want 1", n.count())
	}
	s := tr.Stats()
	if s.Resends != 1 || s.Benign != 31 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestHandleMessage_BeforeLoad(t *testing.T) {
	n := &fakeNotifier{}
	tr := newTestTracker(newHistorySource(0), n)
	if v := tr.HandleMessage(context.Background(), identMsg(watchCh, "w", "early")); v != VerdictNotReady {
		t.Fatalf("verdict: %s", v)
	}
	if tr.Set().Len() != 0 || n.count() != 0 {
		t.Fatal("nothing should happen before Ready")
	}
	if tr.Stats().NotReady != 1 {
		t.Fatalf("stats: %+v", tr.Stats())
	}
}

func TestHandle_WithDispatcherOrder(t *testing.T) {
	n := &fakeNotifier{}
	tr := readyTracker(t, 0, n)

	var handler channels.InboundHandler = tr.Handle
	handler(context.Background(), identMsg(watchCh, "1", "frank"))
	handler(context.Background(), identMsg(watchCh, "2", "frank"))
	if n.count() != 1 {
		t.Fatalf("alerts: %d", n.count())
	}
}

func TestStats_JSONState(t *testing.T) {
	b, err := Ready.MarshalText()
	if err != nil || string(b) != "ready" {
		t.Fatalf("got %s %v", b, err)
	}
	if Loading.String() != "loading" || VerdictResend.String() != "resend" {
		t.Fatal("unexpected names")
	}
}
