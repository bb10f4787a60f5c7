package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rzzdr/assignment-risk-engine/config"
	"github.com/rzzdr/assignment-risk-engine/internal/advisory"
	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/internal/kafka"
	"github.com/rzzdr/assignment-risk-engine/internal/market"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/internal/scheduler"
	"github.com/rzzdr/assignment-risk-engine/internal/store"
	"github.com/rzzdr/assignment-risk-engine/internal/websocket"
	"github.com/rzzdr/assignment-risk-engine/pkg/api"
	"github.com/rzzdr/assignment-risk-engine/pkg/metrics"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

const subscriberBuffer = 256

// runCmd starts the long-running engine
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the risk engine with its API and scheduled ticks",
	Long: `Start the engine: load persisted positions, schedule the monitor,
aggregate and advisory ticks, and serve the HTTP API and event stream
until SIGINT or SIGTERM. On shutdown running ticks get the configured
grace period and a final risk report is emitted.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// app holds everything runEngine starts so shutdown can unwind it
type app struct {
	cfg       *config.Config
	engine    *engine.Engine
	bus       *events.Bus
	sched     *scheduler.Scheduler
	positions store.PositionStore
	recorder  *metrics.Recorder

	api  *api.Server
	prom *metrics.PrometheusServer

	unsubscribe []func()
	closers     []namedCloser
	subscribers errgroup.Group
	log         *logger.Logger
}

type namedCloser struct {
	name  string
	close func() error
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.App.LogLevel, cfg.App.Environment)
	log := logger.GetLogger("risk-engine.main")
	log.Infow("Starting assignment risk engine", "environment", cfg.App.Environment, "profile", cfg.Engine.Profile)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, bus: events.NewBus(), log: log}
	defer a.closeAll()

	if err := a.build(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.api != nil {
		g.Go(a.api.Start)
	}
	if a.prom != nil {
		g.Go(a.prom.Start)
	}
	g.Go(func() error {
		a.recorder.CollectSystemMetrics(gctx, cfg.Metrics.Interval)
		return nil
	})

	a.sched.Start()
	log.Infow("Risk engine started", "positions", len(a.engine.Positions()))

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("Risk engine stopped with error", "error", err)
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

// build wires the engine and its collaborators from configuration
func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	_, profile, err := cfg.Profiles()
	if err != nil {
		return err
	}

	a.recorder = metrics.NewRecorder(prometheus.DefaultRegisterer)

	positions, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	a.positions = positions
	a.onClose("store", positions.Close)

	quotes := market.NewStaticProvider(cfg.Market.Quotes...)
	provider, err := a.marketProvider(ctx, quotes)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Market:  provider,
		History: market.NewHistory(cfg.Market.HistoryLimit, cfg.Market.HistoryInterval),
		Store:   positions,
		Events:  a.bus,
	}

	if cfg.Advisory.Enabled {
		client, err := advisory.NewClient(cfg.Advisory.Config)
		if err != nil {
			return err
		}
		deps.Advisor = client
		a.log.Infow("Advisory service enabled", "url", cfg.Advisory.URL)
	}

	var registrations *kafka.Consumer
	if cfg.Kafka.Enabled {
		if registrations, err = a.wireKafka(&deps); err != nil {
			return err
		}
	}

	var smoother *risk.Smoother
	if cfg.Engine.Smoothing.Enabled {
		smoother = risk.NewSmoother(cfg.Engine.Smoothing.Seed, cfg.Engine.Smoothing.Amplitude)
	}

	a.engine, err = engine.New(engine.Config{
		Profile:         profile,
		Thresholds:      cfg.Engine.Thresholds,
		AlertTTL:        cfg.Engine.AlertTTL,
		AdvisoryTimeout: cfg.Engine.AdvisoryTimeout,
		Smoother:        smoother,
	}, deps)
	if err != nil {
		return err
	}

	// subscribers go first so events from loading are not lost
	metricsCh := a.subscribe()
	a.subscribers.Go(func() error {
		a.recorder.Consume(context.Background(), metricsCh)
		return nil
	})

	logCh := a.subscribe()
	a.subscribers.Go(func() error {
		events.LogSink(logCh, logger.GetLogger("risk-engine.events"))
		return nil
	})

	hub := websocket.NewHub(func() any { return a.engine.Snapshot() })
	hubCh := a.subscribe()
	a.subscribers.Go(func() error {
		hub.Run(context.Background(), hubCh)
		return nil
	})

	n, err := a.engine.LoadPositions(ctx, positions)
	if err != nil {
		return err
	}
	a.log.Infow("Loaded persisted positions", "count", n)

	if registrations != nil {
		if err := registrations.ConsumeMessages(ctx, kafka.RegistrationHandler(a.engine)); err != nil {
			return err
		}
	}

	if err := a.schedule(); err != nil {
		return err
	}

	if cfg.API.Enabled {
		a.api = api.NewServer(cfg.API.Config, api.CreateHandlers(a.engine, a.sched, positions).WithQuotes(quotes), api.Options{
			Recorder:  a.recorder,
			Gatherer:  prometheus.DefaultGatherer,
			WebSocket: hub.HandleWebSocket,
		})
	}
	if cfg.Metrics.Prometheus.Enabled {
		a.prom = metrics.NewPrometheusServer(cfg.Metrics.Prometheus.Port, prometheus.DefaultGatherer)
	}
	return nil
}

func (a *app) schedule() error {
	cfg := a.cfg.Engine
	a.sched = scheduler.New(scheduler.Options{GracePeriod: cfg.GracePeriod, Recorder: a.recorder})

	jobs := []scheduler.Job{
		{Name: "monitor", Interval: cfg.MonitorInterval, Run: a.engine.MonitorTick},
		{Name: "aggregate", Interval: cfg.AggregateInterval, Run: a.engine.AggregateTick},
		{Name: "advisory", Interval: cfg.AdvisoryInterval, Run: a.engine.AdvisoryTick},
	}
	for _, job := range jobs {
		if err := a.sched.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// marketProvider wraps the configured and pushed quotes with the last-known cache
func (a *app) marketProvider(ctx context.Context, quotes *market.StaticProvider) (market.Provider, error) {
	cfg := a.cfg.Market

	switch cfg.Cache {
	case "none":
		return quotes, nil
	case "redis":
		cache, err := market.NewRedisCache(ctx, cfg.Redis.Options())
		if err != nil {
			return nil, err
		}
		a.onClose("redis", cache.Close)
		return market.NewCachedProvider(quotes, cache), nil
	default:
		return market.NewCachedProvider(quotes, market.NewMemoryCache()), nil
	}
}

// wireKafka publishes events and proposals and returns the registrations consumer
func (a *app) wireKafka(deps *engine.Deps) (*kafka.Consumer, error) {
	client, err := kafka.NewClient(a.cfg.Kafka.Config)
	if err != nil {
		return nil, err
	}
	kc := client.Config()

	eventsProducer, err := client.NewProducer(kc.EventsTopic)
	if err != nil {
		return nil, err
	}
	a.onClose("kafka events producer", eventsProducer.Close)

	proposalsProducer, err := client.NewProducer(kc.ProposalsTopic)
	if err != nil {
		return nil, err
	}
	a.onClose("kafka proposals producer", proposalsProducer.Close)
	deps.Execution = kafka.NewExecutionPublisher(proposalsProducer)

	registrations, err := client.NewConsumer(kc.RegistrationsTopic)
	if err != nil {
		return nil, err
	}
	a.onClose("kafka registrations consumer", registrations.Close)

	publisher := kafka.NewEventPublisher(eventsProducer)
	ch := a.subscribe()
	a.subscribers.Go(func() error {
		publisher.Run(context.Background(), ch)
		return nil
	})

	a.log.Infow("Kafka enabled",
		"brokers", kc.Brokers,
		"events", kc.EventsTopic,
		"proposals", kc.ProposalsTopic,
		"registrations", kc.RegistrationsTopic)
	return registrations, nil
}

func (a *app) subscribe() <-chan events.Envelope {
	ch, unsub := a.bus.SubscribeAll(subscriberBuffer)
	a.unsubscribe = append(a.unsubscribe, unsub)
	return ch
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// shutdown stops ticks, emits the final report and drains subscribers.
// Closers run afterwards from the deferred closeAll.
func (a *app) shutdown() error {
	a.log.Info("Shutting down risk engine")

	if err := a.sched.Stop(); err != nil {
		a.log.Warnw("Scheduler stopped with running ticks", "error", err)
	}

	report := a.engine.Report()
	a.bus.Publish(events.RiskReportGenerated, report)
	a.log.Infow("Final risk report",
		"positions", report.Snapshot.TotalPositions,
		"score", report.Snapshot.PortfolioRiskScore,
		"activeAlerts", report.ActiveAlerts,
		"successfulRolls", report.Performance.SuccessfulRolls,
		"earlyCloses", report.Performance.EarlyCloses,
		"totalSaved", report.Performance.TotalSaved)

	var firstErr error
	timeout := a.cfg.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.log.Errorw("API server shutdown error", "error", err)
			firstErr = err
		}
	}
	if a.prom != nil {
		if err := a.prom.Stop(ctx); err != nil {
			a.log.Errorw("Prometheus server shutdown error", "error", err)
		}
	}

	// closing the subscriptions lets each subscriber drain and return
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	drained := make(chan struct{})
	go func() {
		_ = a.subscribers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.log.Warnw("Event subscribers did not drain in time", "timeout", timeout)
	}

	return firstErr
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.log.Errorw("Shutdown error", "component", c.name, "error", err)
			continue
		}
		a.log.Infow("Closed", "component", c.name)
	}
}

func openStore(cfg config.StoreConfig) (store.PositionStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLitePositionStore(cfg.SQLitePath, cfg.Timeout)
	default:
		return store.NewInMemoryPositionStore(), nil
	}
}
