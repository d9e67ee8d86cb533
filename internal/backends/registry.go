// Package backends tracks the health of the inference microservices the
// avatar depends on. Each configured service is probed on an interval and
// the outcome is published as a heartbeat on the bus, so every avatard
// attached to the same bus shares one view of backend health.
package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// probePath is requested on every backend. All services expose their
// configuration there, which makes it a cheap liveness check.
const probePath = "config"

// Prober is the part of fetchapi.Client the registry needs.
type Prober interface {
	Get(ctx context.Context, path string, opts ...fetchapi.RequestOption) fetchapi.Response
	BaseURL() string
}

// Backend is the last known state of one service.
type Backend struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	LatencyMS float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Checked   time.Time `json:"checked"`
}

type Registry struct {
	cfg     config.BackendsConfig
	log     *slog.Logger
	bus     *bus.Client
	probers map[string]Prober
	metrics *telemetry.Metrics
	clock   func() time.Time

	mu       sync.RWMutex
	backends map[string]*Backend

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

// NewRegistry builds a registry for the given services. A nil bus keeps the
// registry local to this process.
func NewRegistry(ctx context.Context, cfg config.BackendsConfig, probers map[string]Prober, busClient *bus.Client, metrics *telemetry.Metrics, log *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("backends: heartbeat interval must be positive")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "backends")),
		bus:      busClient,
		probers:  make(map[string]Prober, len(probers)),
		metrics:  metrics,
		clock:    time.Now,
		backends: make(map[string]*Backend),
		ctx:      ctx,
		cancel:   cancel,
		meter:    otel.Meter("github.com/loqalabs/loqa-avatar/internal/backends"),
	}
	for name, p := range probers {
		if p == nil {
			continue
		}
		r.probers[name] = p
		r.backends[name] = &Backend{Name: name, URL: p.BaseURL()}
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if r.bus != nil {
		sub, err := r.bus.Subscribe(protocol.SubjectBackendHeartbeatPrefix+".*", r.handleHeartbeat)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe backend heartbeats: %w", err)
		}
		r.subs = append(r.subs, sub)
	}
	return r, nil
}

// Start launches the probe and health loops.
func (r *Registry) Start() {
	r.wg.Add(2)
	go r.runProbes()
	go r.monitorHealth()
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) runProbes() {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Probe(r.ctx)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Probe(r.ctx)
		}
	}
}

func (r *Registry) monitorHealth() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// Probe checks every backend once, concurrently, and records the outcome.
func (r *Registry) Probe(ctx context.Context) []protocol.BackendHeartbeat {
	names := make([]string, 0, len(r.probers))
	for name := range r.probers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]protocol.BackendHeartbeat, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = r.probe(ctx, name, r.probers[name])
			return nil
		})
	}
	_ = g.Wait()

	for _, hb := range results {
		r.update(hb)
		if r.bus == nil {
			continue
		}
		if err := r.bus.PublishJSON(protocol.BackendHeartbeatSubject(hb.Name), hb); err != nil {
			r.log.Warn("failed to publish heartbeat", slog.String("backend", hb.Name), slogError(err))
		}
	}
	return results
}

func (r *Registry) probe(ctx context.Context, name string, p Prober) protocol.BackendHeartbeat {
	timeout := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.clock()
	resp := p.Get(ctx, probePath)
	hb := protocol.BackendHeartbeat{
		Name:      name,
		URL:       p.BaseURL(),
		Healthy:   resp.Status,
		LatencyMS: float64(r.clock().Sub(start).Microseconds()) / 1000,
		Timestamp: r.clock().UTC(),
	}
	if !resp.Status {
		hb.Error = resp.Message
	}
	return hb
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.BackendHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.Name == "" {
		hb.Name = strings.TrimPrefix(msg.Subject, protocol.SubjectBackendHeartbeatPrefix+".")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb)
}

func (r *Registry) update(hb protocol.BackendHeartbeat) {
	r.mu.Lock()
	b, ok := r.backends[hb.Name]
	if !ok {
		b = &Backend{Name: hb.Name}
		r.backends[hb.Name] = b
	}
	// Heartbeats from other instances can arrive out of order.
	if hb.Timestamp.Before(b.Checked) {
		r.mu.Unlock()
		return
	}
	was := b.Healthy
	if hb.URL != "" {
		b.URL = hb.URL
	}
	b.Checked = hb.Timestamp
	b.LatencyMS = hb.LatencyMS
	b.Error = hb.Error
	b.Healthy = hb.Healthy
	if hb.Healthy {
		b.LastSeen = hb.Timestamp
	}
	r.mu.Unlock()

	if was != hb.Healthy {
		if hb.Healthy {
			r.log.Info("backend up", slog.String("backend", hb.Name), slog.Float64("latency_ms", hb.LatencyMS))
		} else {
			r.log.Warn("backend down", slog.String("backend", hb.Name), slog.String("error", hb.Error))
		}
	}
	r.metrics.BackendUp(r.ctx, hb.Name, hb.Healthy)
}

func (r *Registry) evaluateHealth() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		return
	}
	now := r.clock()

	var expired []string
	r.mu.Lock()
	for name, b := range r.backends {
		if b.Healthy && now.Sub(b.LastSeen) > timeout {
			b.Healthy = false
			b.Error = "heartbeat timeout"
			expired = append(expired, name)
		}
	}
	r.mu.Unlock()

	for _, name := range expired {
		r.log.Warn("backend heartbeat expired", slog.String("backend", name))
		r.metrics.BackendUp(r.ctx, name, false)
	}
}

// Healthy reports whether the named backend answered its last probe within
// the heartbeat timeout.
func (r *Registry) Healthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return ok && b.Healthy
}

// Query returns the backends matching filter, sorted by name.
func (r *Registry) Query(filter func(Backend) bool) []Backend {
	r.mu.RLock()
	results := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		snapshot := *b
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (r *Registry) Snapshot() []Backend {
	return r.Query(nil)
}

func Unhealthy(b Backend) bool {
	return !b.Healthy
}

func (r *Registry) initMetrics() error {
	known, err := r.meter.Int64ObservableGauge("avatar.backends.known", metric.WithDescription("Number of tracked backends"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("avatar.backends.healthy", metric.WithDescription("Number of healthy backends"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, up := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, up int64
	for _, b := range r.backends {
		total++
		if b.Healthy {
			up++
		}
	}
	return total, up
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
