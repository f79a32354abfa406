// Package mqtt publishes the daemon's presence to an MQTT broker.
// Three retained topic families live under kenobot/<device>/:
// availability ("online"/"offline", with a will message covering
// unexpected loss), health/state (updated on every watchdog
// transition), and periodic runtime stats (uptime, version,
// conversation count, tokens today).
//
// The connection uses Eclipse Paho v2's autopaho package, which
// reconnects automatically. The publisher is optional; the daemon only
// constructs one when a broker URL is configured.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kenobot/kenobot/internal/bus"
)

// publishTimeout bounds a single broker publish.
const publishTimeout = 10 * time.Second

// Config selects the broker and the publish cadence.
type Config struct {
	BrokerURL  string // mqtt://, mqtts://, or ssl:// URL
	Username   string
	Password   string
	DeviceName string        // topic segment, default "kenobot"
	Interval   time.Duration // stats publish period, default 1m
}

// StatsSource provides the runtime numbers for the periodic state
// publish. The daemon wires the concrete adapter so this package does
// not depend on the stores.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Health() string
	ConversationCount(ctx context.Context) int
	TokensToday(ctx context.Context) int64
}

// Publisher owns the broker connection and the publish loops.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus
	stats  StatsSource

	// connectWait bounds how long Start blocks waiting for the first
	// connection before letting autopaho retry in the background.
	connectWait time.Duration

	connected atomic.Bool

	mu           sync.Mutex
	started      bool
	cm           *autopaho.ConnectionManager
	unsubscribes []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a publisher. Call Start to connect.
func New(cfg Config, logger *slog.Logger, b *bus.Bus, stats StatsSource) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker URL is required")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "kenobot"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:         cfg,
		logger:      logger,
		bus:         b,
		stats:       stats,
		connectWait: 10 * time.Second,
	}, nil
}

// Start connects to the broker, subscribes to health transitions, and
// launches the periodic stats loop. An unreachable broker does not
// fail startup; autopaho keeps retrying and the will message semantics
// apply once connected.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}

	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.connected.Store(true)
			p.logger.Info("mqtt connected", "broker", p.cfg.BrokerURL)
			p.publish(runCtx, cm, p.availabilityTopic(), "online", 1)
			p.publish(runCtx, cm, p.stateTopic("health"), p.stats.Health(), 1)
			p.publishStates(runCtx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "kenobot-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		p.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.cm = cm
	p.ctx = runCtx
	p.cancel = cancel
	for _, t := range []bus.Type{
		bus.TypeHealthDegraded,
		bus.TypeHealthUnhealthy,
		bus.TypeHealthRecovered,
	} {
		p.unsubscribes = append(p.unsubscribes, p.bus.On(t, p.handleHealth))
	}
	p.started = true
	p.wg.Add(1)
	go p.runLoop(runCtx, cm)
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, p.connectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background",
			"broker", p.cfg.BrokerURL,
			"error", err)
	}
	return nil
}

// Stop says goodbye and disconnects. The will message only covers
// unexpected loss, so a reachable broker gets an explicit "offline".
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	unsubscribes := p.unsubscribes
	p.unsubscribes = nil
	cm := p.cm
	cancel := p.cancel
	p.mu.Unlock()

	for _, u := range unsubscribes {
		u()
	}

	if p.connected.Load() {
		p.publish(ctx, cm, p.availabilityTopic(), "offline", 1)
	}
	if err := cm.Disconnect(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("mqtt disconnect failed", "error", err)
	}
	cancel()
	p.wg.Wait()
	return nil
}

// handleHealth mirrors a watchdog transition onto the health topic.
// The publish runs in its own goroutine so a slow broker never blocks
// bus dispatch.
func (p *Publisher) handleHealth(sig bus.Signal) {
	state := healthState(sig.Type)
	if state == "" {
		return
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cm := p.cm
	ctx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.publish(ctx, cm, p.stateTopic("health"), state, 1)
	}()
}

// healthState maps a health signal type to the published state word.
func healthState(t bus.Type) string {
	switch t {
	case bus.TypeHealthDegraded:
		return "DEGRADED"
	case bus.TypeHealthUnhealthy:
		return "UNHEALTHY"
	case bus.TypeHealthRecovered:
		return "HEALTHY"
	}
	return ""
}

func (p *Publisher) runLoop(ctx context.Context, cm *autopaho.ConnectionManager) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx, cm)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	states := map[string]string{
		"uptime":        p.stats.Uptime().Truncate(time.Second).String(),
		"version":       p.stats.Version(),
		"conversations": strconv.Itoa(p.stats.ConversationCount(ctx)),
		"tokens_today":  strconv.FormatInt(p.stats.TokensToday(ctx), 10),
	}
	for entity, value := range states {
		p.publish(ctx, cm, p.stateTopic(entity), value, 0)
	}
	p.logger.Debug("mqtt states published", "entities", len(states))
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic, payload string, qos byte) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     qos,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "kenobot/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}
