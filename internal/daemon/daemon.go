// Package daemon assembles a complete KenoBot instance: the signal
// bus, the SQLite stores, the provider circuit breaker, the agent
// responder, the HTTP server, and the background supervisors
// (watchdog, scheduler, sleep cycle, notifier, channel registry, MQTT
// presence). New wires everything from configuration; Start and Stop
// move the assembly up and down in dependency order. All state lives
// on the Daemon value, so several instances can share one process.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kenobot/kenobot/internal/agent"
	"github.com/kenobot/kenobot/internal/api"
	"github.com/kenobot/kenobot/internal/buildinfo"
	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/channel"
	"github.com/kenobot/kenobot/internal/config"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/mqtt"
	"github.com/kenobot/kenobot/internal/notify"
	"github.com/kenobot/kenobot/internal/provider"
	"github.com/kenobot/kenobot/internal/scheduler"
	"github.com/kenobot/kenobot/internal/sleep"
	"github.com/kenobot/kenobot/internal/usage"
	"github.com/kenobot/kenobot/internal/watchdog"
)

// Daemon is one fully wired KenoBot instance.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus           *bus.Bus
	db            *sql.DB
	conversations *memory.ConversationStore
	longTerm      *memory.LongTermStore
	usage         *usage.Store
	budget        *usage.Budget
	breaker       *provider.Breaker
	responder     *agent.Responder
	watchdog      *watchdog.Watchdog
	scheduler     *scheduler.Scheduler
	sleep         *sleep.Supervisor
	notifier      *notify.Notifier
	channels      *channel.Registry
	mqtt          *mqtt.Publisher // nil unless a broker is configured
	server        *api.Server

	addr    string
	pidPath string

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener net.Listener
}

// New wires a daemon from configuration. The database and the bus
// audit trail are opened here; no goroutines run until Start. A
// constructed daemon that is never started should still be stopped so
// those handles are released.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		addr:    net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)),
		pidPath: filepath.Join(cfg.DataDir, "kenobot.pid"),
	}
	fail := func(stage string, err error) (*Daemon, error) {
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		d.closeHandles()
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	// --- Signal bus ---
	// Trace middleware runs first so the logging and dead-signal layers
	// see stamped trace IDs. The audit trail lands next to the database
	// so one directory carries all persistent state.
	d.bus = bus.New(logger)
	d.bus.Use(bus.TraceMiddleware())
	d.bus.Use(bus.LoggingMiddleware(logger, bus.TypeThinkingStart))
	d.bus.Use(bus.DeadSignalMiddleware(d.bus, logger))
	if err := d.bus.EnableAudit(filepath.Join(cfg.DataDir, "bus-audit.jsonl")); err != nil {
		return fail("enable bus audit", err)
	}

	// --- Stores ---
	// Conversations, long-term memory, and usage records share one
	// SQLite file.
	dbPath := filepath.Join(cfg.DataDir, "kenobot.db")
	db, err := memory.Open(dbPath)
	if err != nil {
		return fail(fmt.Sprintf("open database %s", dbPath), err)
	}
	d.db = db

	d.conversations, err = memory.NewConversationStore(db)
	if err != nil {
		return fail("conversation store", err)
	}
	d.longTerm, err = memory.NewLongTermStore(db)
	if err != nil {
		return fail("long-term store", err)
	}
	d.usage, err = usage.NewStore(db)
	if err != nil {
		return fail("usage store", err)
	}
	d.budget = usage.NewBudget(d.usage, cfg.Budget.DailyLimitUSD)

	// --- Provider ---
	// The breaker wraps every model call, for the agent and for sleep
	// phases alike. When the provider is down the agent still answers
	// with an apology instead of hanging synchronous callers.
	if cfg.Provider.APIKey == "" {
		logger.Warn("provider api key not set - model calls will fail until configured")
	}
	client := provider.NewHTTPClient(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		cfg.Provider.Model,
		time.Duration(cfg.Provider.TimeoutSec)*time.Second,
		logger,
	)
	d.breaker = provider.NewBreaker(client, cfg.Provider.Threshold,
		time.Duration(cfg.Provider.CooldownSec)*time.Second, logger)

	// --- Agent ---
	d.responder = agent.New(agent.Config{
		Pricing: cfg.Budget.Pricing,
	}, agent.Deps{
		Logger:        logger,
		Bus:           d.bus,
		Conversations: d.conversations,
		Provider:      d.breaker,
		Usage:         d.usage,
		Budget:        d.budget,
		Registry:      agent.NewRegistry(0),
	})

	// --- Watchdog ---
	// The sleep staleness check is registered after the supervisor is
	// built, below.
	d.watchdog = watchdog.New(logger, d.bus,
		time.Duration(cfg.Watchdog.IntervalSec)*time.Second,
		time.Duration(cfg.Watchdog.CheckTimeoutSec)*time.Second)
	d.watchdog.RegisterCheck("provider", watchdog.BreakerCheck(d.breaker), true)
	d.watchdog.RegisterCheck("memory", watchdog.MemoryCheck(0, 0), false)

	// --- Scheduler ---
	d.scheduler, err = scheduler.New(logger, d.bus,
		filepath.Join(cfg.DataDir, "scheduler", "tasks.jsonl"))
	if err != nil {
		return fail("scheduler", err)
	}

	// --- Sleep supervisor ---
	var releases sleep.ReleaseChecker
	if cfg.Sleep.UpdateRepo != "" {
		gh, err := sleep.NewGitHubReleases(nil, cfg.Upstream.GitHubToken, "")
		if err != nil {
			return fail("github releases", err)
		}
		releases = gh
	}
	sleepPeriod := time.Duration(cfg.Sleep.PeriodHours) * time.Hour
	d.sleep = sleep.New(sleep.Config{
		Period:        sleepPeriod,
		TargetHour:    cfg.Sleep.TargetHour,
		RetentionDays: cfg.Sleep.RetentionDays,
		DataDir:       cfg.DataDir,
		UpdateRepo:    cfg.Sleep.UpdateRepo,
		Pricing:       cfg.Budget.Pricing,
	}, sleep.Deps{
		Logger:        logger,
		Bus:           d.bus,
		Conversations: d.conversations,
		LongTerm:      d.longTerm,
		Usage:         d.usage,
		Provider:      d.breaker,
		Health:        d.watchdog.Status,
		Releases:      releases,
	})
	d.watchdog.RegisterCheck("sleep", watchdog.SleepCheck(d.sleepState, sleepPeriod), false)

	// --- Notifier ---
	var sink notify.Sink
	if cfg.Notify.Email.Enabled {
		emailSink, err := notify.NewEmailSink(notify.EmailConfig{
			Host:     cfg.Notify.Email.Host,
			Port:     cfg.Notify.Email.Port,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
			From:     cfg.Notify.Email.From,
			To:       cfg.Notify.Email.To,
			StartTLS: cfg.Notify.Email.StartTLS,
		})
		if err != nil {
			return fail("email sink", err)
		}
		sink = emailSink
	}
	d.notifier = notify.New(notify.Config{
		OwnerChatID:  cfg.Notify.OwnerChatID,
		OwnerChannel: cfg.Notify.OwnerChannel,
		Cooldown:     time.Duration(cfg.Notify.CooldownSec) * time.Second,
	}, logger, d.bus, sink)

	// --- Channels ---
	d.channels = channel.NewRegistry(logger, d.bus)
	if cfg.Relay.Enabled && cfg.Relay.URL != "" {
		relay, err := channel.NewRelay(channel.RelayConfig{
			URL:          cfg.Relay.URL,
			Token:        cfg.Relay.Token,
			AllowedUsers: cfg.Relay.AllowedUsers,
		}, logger, d.bus)
		if err != nil {
			return fail("relay channel", err)
		}
		if err := d.channels.Register(relay); err != nil {
			return fail("register relay", err)
		}
	}

	// --- MQTT presence ---
	if cfg.MQTT.BrokerURL != "" {
		pub, err := mqtt.New(mqtt.Config{
			BrokerURL:  cfg.MQTT.BrokerURL,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			DeviceName: cfg.MQTT.DeviceName,
			Interval:   time.Duration(cfg.MQTT.IntervalSec) * time.Second,
		}, logger, d.bus, daemonStats{d})
		if err != nil {
			return fail("mqtt publisher", err)
		}
		d.mqtt = pub
	} else {
		logger.Info("mqtt publishing disabled, no broker configured")
	}

	// --- HTTP server ---
	// The webhook and the REST API share one listener; the server is
	// also the correlator parking synchronous callers until the agent
	// answers.
	d.server = api.New(api.Config{
		Addr:           d.addr,
		WebhookSecret:  cfg.Webhook.Secret,
		APIKey:         cfg.API.Key,
		RateLimit:      cfg.API.RateLimit,
		RateWindow:     time.Duration(cfg.API.RateWindowSec) * time.Second,
		WebhookTimeout: time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
		APITimeout:     time.Duration(cfg.API.TimeoutSec) * time.Second,
	}, api.Deps{
		Logger:        logger,
		Bus:           d.bus,
		Conversations: d.conversations,
		LongTerm:      d.longTerm,
		Usage:         d.usage,
		Budget:        d.budget,
		Scheduler:     d.scheduler,
		Sleep:         d.sleep,
		Watchdog:      d.watchdog,
		Tasks:         d.responder.Registry(),
	})

	return d, nil
}

// Start binds the listener and brings every subsystem up: consumers
// before producers, so nothing fires into a bus without subscribers,
// and external traffic is accepted only once the daemon is complete.
// If Start fails, the daemon is partially up; call Stop to release
// whatever was started.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("daemon already started")
	}
	if d.stopped {
		return errors.New("daemon already stopped")
	}

	if err := writePIDFile(d.pidPath); err != nil {
		return err
	}

	// Bind before anything else so a taken port fails fast with
	// nothing to unwind.
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.addr, err)
	}
	d.listener = ln

	d.responder.Start()
	d.notifier.Start()
	d.server.Subscribe()

	if err := d.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.channels.Start(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	if d.mqtt != nil {
		if err := d.mqtt.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}
	}

	d.sleep.Start()
	d.watchdog.Start()

	go func() {
		if err := d.server.Serve(ln); err != nil {
			d.logger.Error("api server failed", "error", err)
		}
	}()

	d.started = true
	d.logger.Info("daemon started",
		"addr", ln.Addr().String(),
		"data_dir", d.cfg.DataDir,
		"version", buildinfo.Version)
	return nil
}

// Stop tears the daemon down in reverse order: drain the HTTP server,
// silence the signal producers, stop the supervisors and channels,
// publish the MQTT offline state, then release the stores and the pid
// file. Safe after a failed Start and safe to call twice.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	ln := d.listener
	d.mu.Unlock()

	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		d.logger.Warn("shutdown stage failed", "stage", stage, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	record("server shutdown", d.server.Shutdown(ctx))
	if ln != nil {
		// Shutdown closes listeners Serve registered; closing again
		// covers a bind that never reached Serve.
		_ = ln.Close()
	}

	d.scheduler.Stop()
	d.watchdog.Stop()
	d.sleep.Stop()
	d.responder.Stop()
	d.notifier.Stop()
	record("stop channels", d.channels.Stop(ctx))
	if d.mqtt != nil {
		record("stop mqtt", d.mqtt.Stop(ctx))
	}

	d.closeHandles()
	record("remove pid file", removePIDFile(d.pidPath))

	d.logger.Info("daemon stopped")
	return firstErr
}

// Addr returns the bound listen address, nil before Start. With a
// configured port of zero this is how callers learn the real port.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// closeHandles releases the database and the bus audit trail. Safe
// with either handle unset.
func (d *Daemon) closeHandles() {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("database close failed", "error", err)
		}
		d.db = nil
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			d.logger.Warn("bus close failed", "error", err)
		}
		d.bus = nil
	}
}

// sleepState adapts the supervisor's status for the watchdog staleness
// check.
func (d *Daemon) sleepState() watchdog.SleepState {
	st := d.sleep.Status()
	return watchdog.SleepState{Status: st.Status, LastRun: st.LastRun, Error: st.Error}
}

// daemonStats feeds the MQTT publisher from live daemon state.
type daemonStats struct {
	d *Daemon
}

func (s daemonStats) Uptime() time.Duration { return buildinfo.Uptime() }

func (s daemonStats) Version() string { return buildinfo.Version }

func (s daemonStats) Health() string { return s.d.watchdog.Status().State }

func (s daemonStats) ConversationCount(ctx context.Context) int {
	n, _, err := s.d.conversations.Counts(ctx)
	if err != nil {
		return 0
	}
	return n
}

func (s daemonStats) TokensToday(ctx context.Context) int64 {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sum, err := s.d.usage.Summary(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return 0
	}
	return sum.TotalInputTokens + sum.TotalOutputTokens
}
