// Command dupwatch loads the identifier history of a Discord cache channel,
// then alerts a security webhook whenever an identifier it has never seen
// appears in the watch channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dupwatch/alert"
	"github.com/hazyhaar/dupwatch/channels"
	"github.com/hazyhaar/dupwatch/config"
	"github.com/hazyhaar/dupwatch/dbopen"
	"github.com/hazyhaar/dupwatch/observability"
	"github.com/hazyhaar/dupwatch/statusapi"
	"github.com/hazyhaar/dupwatch/tracker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.LookupEnv)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dupwatch:", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or a component
// fails. Deferred closes run before it returns.
func run(ctx context.Context, lookup config.LookupFunc) error {
	cfg, err := config.Load(lookup)
	if err != nil {
		return err
	}

	// Logging.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("dupwatch starting", "config", cfg)

	var (
		recorder tracker.Recorder
		journal  *observability.Journal
		metrics  *observability.MetricsManager
	)
	if cfg.JournalEnabled() {
		obsDB, err := dbopen.Open(cfg.ObservabilityDB, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return fmt.Errorf("observability db %s: %w", cfg.ObservabilityDB, err)
		}
		defer obsDB.Close()

		if err := observability.Cleanup(ctx, obsDB, observability.RetentionConfig{EventsDays: 90, MetricsDays: 30}); err != nil {
			logger.Warn("observability retention", "error", err)
		}
		metrics = observability.NewMetricsManager(obsDB, 100, 5*time.Second,
			observability.WithMetricsLogger(logger))
		defer metrics.Close()
		journal = observability.NewJournal(obsDB, 1000,
			observability.WithJournalLogger(logger),
			observability.WithMetrics(metrics))
		defer journal.Close()
		recorder = journal

		go observability.SampleRuntime(ctx, metrics, time.Minute)
	}

	// Discord.
	src, err := channels.NewDiscord(channels.DiscordConfig{Token: botToken(cfg.DiscordToken, cfg.DiscordTokenRaw)},
		channels.WithDiscordLogger(logger))
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	if err := src.Open(); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	defer src.Close()

	// Tracker.
	opts := []tracker.Option{tracker.WithLogger(logger)}
	if recorder != nil {
		opts = append(opts, tracker.WithRecorder(recorder))
	}
	trk := tracker.New(tracker.Config{
		CacheChannelID: cfg.CacheChannelID,
		WatchChannelID: cfg.WatchChannelID,
		PageSize:       cfg.PageSize,
		PageDelay:      cfg.PageDelay,
	}, src, alert.NewWebhook(cfg.SecurityWebhook), opts...)

	// A failing status server stops the process; a failed history load does not.
	g, gctx := errgroup.WithContext(ctx)

	// Live messages flow immediately; the tracker ignores them until Ready.
	dispatcher := channels.NewDispatcher(src, trk.Handle, channels.WithLogger(logger))
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := trk.LoadHistory(gctx); err != nil && !errors.Is(err, context.Canceled) {
			// Fail closed: the tracker stays Loading and raises no alerts.
			logger.Error("history load failed, watch disabled", "error", err)
		}
		return nil
	})

	if cfg.StatusAddr != "" {
		sopts := []statusapi.Option{statusapi.WithLogger(logger)}
		if journal != nil {
			sopts = append(sopts, statusapi.WithEvents(journal))
		}
		status := statusapi.New(trk, src, sopts...)
		g.Go(func() error {
			if err := status.ListenAndServe(gctx, cfg.StatusAddr); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	src.Close()
	err = g.Wait()

	st := trk.Stats()
	logger.Info("dupwatch stopped",
		"state", st.State.String(), "cached", st.CacheSize,
		"resends", st.Resends, "benign", st.Benign, "handled", dispatcher.Handled())
	return err
}

// botToken adds the "Bot " prefix discordgo expects for bot accounts. raw
// sends the token as given, for user accounts.
func botToken(tok string, raw bool) string {
	if raw || strings.HasPrefix(tok, "Bot ") || strings.HasPrefix(tok, "Bearer ") {
		return tok
	}
	return "Bot " + tok
}
