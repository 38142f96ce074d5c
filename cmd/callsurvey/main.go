package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/callsurvey/internal/api"
	"github.com/flowpbx/callsurvey/internal/api/middleware"
	"github.com/flowpbx/callsurvey/internal/campaign"
	"github.com/flowpbx/callsurvey/internal/classifier"
	"github.com/flowpbx/callsurvey/internal/config"
	"github.com/flowpbx/callsurvey/internal/conversation"
	"github.com/flowpbx/callsurvey/internal/database"
	"github.com/flowpbx/callsurvey/internal/dispatch"
	"github.com/flowpbx/callsurvey/internal/metrics"
	"github.com/flowpbx/callsurvey/internal/queue"
	"github.com/flowpbx/callsurvey/internal/results"
	"github.com/flowpbx/callsurvey/internal/retry"
	"github.com/flowpbx/callsurvey/internal/sip"
	"github.com/flowpbx/callsurvey/internal/speech"
	"github.com/flowpbx/callsurvey/internal/telephony"
	"github.com/flowpbx/callsurvey/internal/telephony/stream"
)

// metricsFlushInterval is how often campaign totals are written to the
// database between finished calls.
const metricsFlushInterval = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("callsurvey exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("callsurvey stopped")
}

// wakeup forwards Notify to the dispatcher, which is built after the
// campaign service it takes stop signals from.
type wakeup struct {
	d *dispatch.Dispatcher
}

func (w *wakeup) Notify() {
	if w.d != nil {
		w.d.Notify()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.Info("starting callsurvey",
		"http_port", cfg.HTTPPort,
		"gateway", cfg.Gateway,
		"queue", cfg.QueueBackend,
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
	)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	store := database.NewStore(db)

	q, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	agg := metrics.NewAggregator()
	persisted, err := store.Metrics.List(ctx)
	if err != nil {
		return fmt.Errorf("loading campaign metrics: %w", err)
	}
	for _, m := range persisted {
		agg.Restore(m)
	}

	lex := classifier.DefaultLexicon()
	if cfg.LexiconFile != "" {
		if lex, err = classifier.LoadLexicon(cfg.LexiconFile); err != nil {
			return err
		}
	}
	cl := classifier.New(lex, logger)

	tts := speech.NewClient(cfg.TTSURL, cfg.SpeechTimeout, logger)
	stt := speech.NewClient(cfg.STTURL, cfg.SpeechTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)

	deps := api.Deps{Queue: q}
	var gw telephony.Gateway
	switch cfg.Gateway {
	case config.GatewaySIP:
		trunk, err := sip.New(sip.Config{
			Host:           cfg.SIPTrunkHost,
			Port:           cfg.SIPTrunkPort,
			Transport:      cfg.SIPTransport,
			Username:       cfg.SIPUsername,
			AuthUsername:   cfg.SIPAuthUsername,
			Password:       cfg.SIPPassword,
			CallerID:       cfg.CallerID,
			PrefixStrip:    cfg.SIPPrefixStrip,
			PrefixAdd:      cfg.SIPPrefixAdd,
			ListenPort:     cfg.SIPPort,
			ExternalIP:     cfg.MediaIP(),
			RTPPortMin:     cfg.RTPPortMin,
			RTPPortMax:     cfg.RTPPortMax,
			CallsPerSecond: cfg.CallsPerSecond,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating sip gateway: %w", err)
		}
		defer trunk.Close()
		g.Go(func() error { return trunk.Run(gctx) })
		gw = trunk
		deps.Trunk = trunk
	default:
		carrier := stream.New(stream.Config{
			OriginateURL:   cfg.CarrierOriginateURL,
			Token:          cfg.CarrierToken,
			StreamURL:      cfg.StreamURL(),
			StatusURL:      cfg.StatusURL(),
			CallsPerSecond: cfg.CallsPerSecond,
		}, logger)
		gw = carrier
		deps.Carrier = carrier
	}

	runner := conversation.NewRunner(gw, tts, stt, cl, conversation.Config{
		DialTimeout:     cfg.DialTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		SilenceTimeout:  cfg.SilenceTimeout,
		CallerID:        cfg.CallerID,
	}, logger)

	notifier := &wakeup{}
	campaigns := campaign.NewService(store, q, agg, notifier, campaign.Config{
		Stagger:           cfg.StaggerInterval,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		DefaultLanguage:   cfg.DefaultLanguage,
		DefaultGreeting:   cfg.DefaultGreeting,
		DefaultClosing:    cfg.DefaultClosing,
	}, logger)

	dispatchDeps := dispatch.Deps{
		Queue:     q,
		Runner:    runner,
		Templates: store,
		Retry:     retry.NewController(q, cfg.RetryDelay, logger),
		Metrics:   agg,
		Store:     store,
		Stops:     campaigns,
	}
	if submitter := results.NewSubmitter(cfg.ResultsURL, cfg.ResultsSecret, logger); submitter.Configured() {
		dispatchDeps.Results = submitter
	} else {
		slog.Warn("no results url configured, completed surveys are only stored locally")
	}
	dispatcher := dispatch.New(dispatchDeps, dispatch.Config{
		MaxConcurrent: cfg.MaxConcurrentCalls,
		Interval:      cfg.DispatchInterval,
	}, logger)
	notifier.d = dispatcher

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(dispatcher, q, agg, time.Now()),
	)

	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger)

	deps.Campaigns = campaigns
	deps.Calls = dispatcher
	deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	deps.RateLimiter = limiter

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewServer(deps, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error {
		return metrics.NewPersister(agg, store, metricsFlushInterval, logger).Run(gctx)
	})
	if cfg.LexiconFile != "" {
		g.Go(func() error { return cl.Watch(gctx, cfg.LexiconFile) })
	}

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openDatabase(cfg *config.Config) (*database.DB, error) {
	if cfg.DBDSN != "" {
		return database.OpenPostgres(cfg.DBDSN)
	}
	return database.Open(cfg.DataDir)
}

// openQueue builds the configured queue backend and returns a function
// releasing its connections.
func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func(), error) {
	if cfg.QueueBackend != config.QueueRedis {
		return queue.NewMemory(cfg.MaxQueueSize), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	slog.Info("redis queue connected", "addr", cfg.RedisAddr)
	return queue.NewRedis(rdb, "", cfg.MaxQueueSize), func() { rdb.Close() }, nil
}
