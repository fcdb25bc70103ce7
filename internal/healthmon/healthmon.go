// Package healthmon implements the health-check / circuit-breaker loop:
// a 30-second probe of a critical upstream, classification into
// ok/degraded/down, TTL-backed status recording, and anti-spam-suppressed
// transition notifications. Classification heuristics and anti-spam
// timing are grounded on
// original_source/.../workflows/health_check/workflow.py; the breaker
// itself uses github.com/sony/gobreaker (from jordigilh-kubernaut's
// go.mod) in place of the hand-rolled state machine in
// pkg/util/resiliency/client.go — a real ecosystem library now covers the
// same job.
package healthmon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/widip-ai/ctrlplane/internal/contracts"
)

// TickPeriod is the health-check loop cadence (spec.md §4.I).
const TickPeriod = 30 * time.Second

// ProbeDeadline bounds a single upstream probe.
const ProbeDeadline = 5 * time.Second

// SessionTokenField is the JSON body field a 200 response must carry for
// the upstream to count as genuinely `ok` rather than merely reachable
// (spec.md §4.I: "2xx with the expected session token → ok"), grounded on
// original_source/.../workflows/health_check/workflow.py::_ping_glpi's
// `"session_token" in data` check.
const SessionTokenField = "session_token"

// statusStore is the subset of state.Store the monitor needs.
type statusStore interface {
	GetHealth(ctx context.Context, service string) (contracts.HealthState, error)
	SetHealth(ctx context.Context, service string, status contracts.HealthState) error
	AlertSent(ctx context.Context, event string) (bool, error)
	SetAlertSent(ctx context.Context, event string) error
	ClearAlertSent(ctx context.Context, event string) error
}

// Notifier emits the one-shot down/recovery notification. Implemented by
// internal/collaborators.HTTPWebhookNotifier in production.
type Notifier interface {
	Notify(ctx context.Context, event, message string) error
}

// Prober performs the actual upstream liveness check.
type Prober func(ctx context.Context) (*http.Response, error)

// Monitor runs the periodic probe loop for one named upstream.
type Monitor struct {
	Service  string
	store    statusStore
	notifier Notifier
	probe    Prober
	breaker  *gobreaker.CircuitBreaker
	log      *slog.Logger
}

// New builds a Monitor. The gobreaker wraps probe invocations so a
// consistently failing upstream trips the breaker and short-circuits
// further probes until its cooldown elapses, rather than hammering a dead
// service every tick.
func New(service string, store statusStore, notifier Notifier, probe Prober, log *slog.Logger) *Monitor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "healthmon:" + service,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     TickPeriod * 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{Service: service, store: store, notifier: notifier, probe: probe, breaker: breaker, log: log}
}

// Run blocks, ticking every TickPeriod until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one probe/classify/record/notify cycle. Exported so tests
// (and a manual trigger endpoint, should one exist) can drive it directly
// without waiting on the ticker.
func (m *Monitor) Tick(ctx context.Context) contracts.HealthState {
	previous, err := m.store.GetHealth(ctx, m.Service)
	if err != nil {
		m.log.Warn("healthmon: reading previous status failed", "service", m.Service, "err", err)
		previous = contracts.HealthUnknown
	}

	current := m.classify(ctx)

	if err := m.store.SetHealth(ctx, m.Service, current); err != nil {
		m.log.Warn("healthmon: writing status failed", "service", m.Service, "err", err)
	}

	m.maybeNotify(ctx, previous, current)
	return current
}

// probeOutcome carries just what classify needs out of the closure passed
// to the breaker — the response body is read and closed inside the
// closure, since gobreaker.Execute's caller never gets another chance to
// reach it.
type probeOutcome struct {
	statusCode   int
	sessionToken bool
}

func (m *Monitor) classify(ctx context.Context) contracts.HealthState {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeDeadline)
	defer cancel()

	result, err := m.breaker.Execute(func() (any, error) {
		resp, err := m.probe(probeCtx)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		outcome := probeOutcome{statusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusOK {
			var payload map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
				_, outcome.sessionToken = payload[SessionTokenField]
			}
		}
		return outcome, nil
	})

	if err != nil {
		return contracts.HealthDown
	}

	outcome, ok := result.(probeOutcome)
	if !ok {
		return contracts.HealthDown
	}

	switch {
	case outcome.statusCode == http.StatusOK && outcome.sessionToken:
		return contracts.HealthOK
	case outcome.statusCode == http.StatusOK:
		return contracts.HealthDegraded
	case outcome.statusCode == http.StatusUnauthorized || outcome.statusCode == http.StatusForbidden:
		return contracts.HealthDegraded
	default:
		return contracts.HealthDown
	}
}

func (m *Monitor) maybeNotify(ctx context.Context, previous, current contracts.HealthState) {
	event := m.Service + "_down"

	if current == contracts.HealthDown {
		alreadySent, err := m.store.AlertSent(ctx, event)
		if err != nil {
			m.log.Warn("healthmon: checking alert flag failed", "service", m.Service, "err", err)
			return
		}
		if alreadySent {
			return
		}
		if m.notifier != nil {
			if err := m.notifier.Notify(ctx, event, m.Service+" is down"); err != nil {
				m.log.Warn("healthmon: notification failed", "service", m.Service, "err", err)
			}
		}
		if err := m.store.SetAlertSent(ctx, event); err != nil {
			m.log.Warn("healthmon: setting alert flag failed", "service", m.Service, "err", err)
		}
		return
	}

	if previous == contracts.HealthDown && current == contracts.HealthOK {
		if m.notifier != nil {
			if err := m.notifier.Notify(ctx, event, m.Service+" recovered"); err != nil {
				m.log.Warn("healthmon: recovery notification failed", "service", m.Service, "err", err)
			}
		}
		if err := m.store.ClearAlertSent(ctx, event); err != nil {
			m.log.Warn("healthmon: clearing alert flag failed", "service", m.Service, "err", err)
		}
	}
}
