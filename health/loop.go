// Package health implements C6: a periodic probe of every non-terminal
// cluster plus the recovery policy that reacts to it. Grounded on the
// teacher's manager.Manager dispatch loop (a single goroutine walking
// live tasks), generalized into a ticker-driven scan with per-cluster
// exponential backoff (cenkalti/backoff/v4) and a non-blocking lock
// handoff into cluster.Engine for the actual state mutation.
package health

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/clusterforge/clusterforge/alert"
	"github.com/clusterforge/clusterforge/cluster"
	"github.com/clusterforge/clusterforge/runtime"
	"github.com/clusterforge/clusterforge/store"
)

const alertKindHealthCheck = "health-check-failed"
const alertKindExhausted = "recovery-exhausted"

// Config bounds a single sweep (spec.md §6 configuration surface).
type Config struct {
	Interval    time.Duration // default 30s
	ProbeTimeout time.Duration // default 3s TCP timeout
	HTTPPath    string        // optional, empty disables step 3
	HTTPTimeout time.Duration
	SampleRetention int // per-cluster HealthSample rows to retain, default 500

	// DefaultRecovery is used only for a cluster whose PolicyRecord is
	// missing entirely (spec.md §6 recovery.* configuration surface);
	// every cluster created through cluster.Engine.Create already has one.
	DefaultRecovery store.RecoveryPolicy
}

func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		ProbeTimeout:    3 * time.Second,
		HTTPTimeout:     3 * time.Second,
		SampleRetention: 500,
		DefaultRecovery: cluster.DefaultRecoveryPolicy(),
	}
}

// recoveryState is ephemeral, per-process bookkeeping that does not need
// to survive a restart: the persisted RestartAttempts counter is the
// durable source of truth for whether recovery is exhausted.
type recoveryState struct {
	backoff         *backoff.ExponentialBackOff
	nextAttemptAt   time.Time
	lastErrorReason string
	healthySince    time.Time
}

// Loop owns the periodic health scan.
type Loop struct {
	engine  *cluster.Engine
	driver  runtime.Driver
	repos   store.Repositories
	alerts  *alert.Store
	cfg     Config
	log     zerolog.Logger

	mu    sync.Mutex
	state map[string]*recoveryState
}

func NewLoop(engine *cluster.Engine, driver runtime.Driver, repos store.Repositories, alerts *alert.Store, cfg Config, log zerolog.Logger) *Loop {
	return &Loop{
		engine: engine,
		driver: driver,
		repos:  repos,
		alerts: alerts,
		cfg:    cfg,
		log:    log,
		state:  map[string]*recoveryState{},
	}
}

// Run blocks, sweeping every cfg.Interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	recs, err := l.repos.Clusters.ListNonTerminal()
	if err != nil {
		l.log.Error().Err(err).Msg("health sweep: list clusters")
		return
	}
	var wg sync.WaitGroup
	for _, rec := range recs {
		if rec.State == store.StateStopped {
			continue
		}
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.processCluster(ctx, rec)
		}()
	}
	wg.Wait()
}

func (l *Loop) stateFor(id string) *recoveryState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state[id]
	if !ok {
		st = &recoveryState{}
		l.state[id] = st
	}
	return st
}

func (l *Loop) forgetState(id string) {
	l.mu.Lock()
	delete(l.state, id)
	l.mu.Unlock()
}

func (l *Loop) processCluster(ctx context.Context, rec store.ClusterRecord) {
	sample, delayed := l.probe(ctx, rec)
	sample.ClusterID = rec.ID
	sample.Timestamp = time.Now()
	if err := l.repos.HealthSamples.Append(sample); err != nil {
		l.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("append health sample failed")
	}
	_ = l.repos.HealthSamples.Prune(rec.ID, l.cfg.SampleRetention)

	policy, err := l.repos.Policies.Get(rec.ID)
	if err != nil {
		policy = store.PolicyRecord{Recovery: l.cfg.DefaultRecovery}
	}
	st := l.stateFor(rec.ID)
	now := time.Now()

	if sample.Overall == overallHealthy {
		if st.healthySince.IsZero() {
			st.healthySince = now
		}
		if err := l.alerts.ResolveOpen(rec.ID, alertKindHealthCheck, "recovered"); err != nil {
			l.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("resolve alert failed")
		}
		cooldown := time.Duration(policy.Recovery.CooldownS) * time.Second
		if rec.RestartAttempts > 0 && now.Sub(st.healthySince) >= cooldown {
			if err := l.engine.ResetRestartCounter(ctx, rec.ID); err != nil {
				l.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("reset restart counter failed")
			}
			l.forgetState(rec.ID)
		}
		return
	}

	st.healthySince = time.Time{}

	switch rec.State {
	case store.StateRunning:
		changed, err := l.engine.MarkFailed(ctx, rec.ID, sample.ErrorReason)
		if err != nil {
			l.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("mark failed failed")
			return
		}
		if changed {
			l.alerts.Raise(rec.ID, alert.Medium, alertKindHealthCheck, sample.ErrorReason)
			st.backoff = newBackoff(policy.Recovery.RetryIntervalS)
			if delayed {
				st.nextAttemptAt = now.Add(st.backoff.NextBackOff())
			} else {
				st.nextAttemptAt = now
			}
		}
	case store.StateFailed:
		l.tryRecover(ctx, rec, policy, sample, st, now)
	}
}

func (l *Loop) tryRecover(ctx context.Context, rec store.ClusterRecord, policy store.PolicyRecord, sample store.HealthSampleRecord, st *recoveryState, now time.Time) {
	if rec.RestartAttempts >= policy.Recovery.MaxAttempts {
		l.alerts.Raise(rec.ID, alert.Critical, alertKindExhausted, "max restart attempts reached, recovery stopped")
		return
	}
	if now.Before(st.nextAttemptAt) {
		return
	}

	// A repeated identical error does not shortcut the attempt count: §8
	// scenario 3 requires exactly maxAttempts start attempts (even when
	// every one fails the same way) before the exhaustion check above
	// takes over and parks the cluster in cooldown.
	if st.backoff == nil {
		st.backoff = newBackoff(policy.Recovery.RetryIntervalS)
	}
	attempted, err := l.engine.AttemptRestart(ctx, rec.ID)
	if !attempted {
		return // lock contended or state changed underneath us; retry next tick
	}
	st.lastErrorReason = sample.ErrorReason
	if err != nil {
		delay := st.backoff.NextBackOff()
		if delay == backoff.Stop || delay > 30*time.Second {
			delay = 30 * time.Second
		}
		st.nextAttemptAt = now.Add(delay)
		l.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("restart attempt failed")
	}
}

func newBackoff(retryIntervalS int) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(retryIntervalS) * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

const (
	overallHealthy   = "HEALTHY"
	overallUnhealthy = "UNHEALTHY"
	overallUnknown   = "UNKNOWN"
)

// probe runs the three-step sequence from spec.md §4.6. The returned bool
// reports whether a failure matches a known transient pattern and so
// warrants a delayed (vs immediate) first retry (§4.6 "Failure
// classification"); it is meaningless when the sample is HEALTHY.
func (l *Loop) probe(ctx context.Context, rec store.ClusterRecord) (store.HealthSampleRecord, bool) {
	start := time.Now()
	if rec.ContainerID == "" {
		return store.HealthSampleRecord{Overall: overallUnknown, ContainerState: "absent", ErrorReason: "no container"}, false
	}

	cctx, cancel := context.WithTimeout(ctx, runtime.DefaultCallTimeout)
	defer cancel()
	inspect, err := l.driver.Inspect(cctx, rec.ContainerID)
	if err != nil {
		return store.HealthSampleRecord{Overall: overallUnhealthy, ErrorReason: "container-dead", ExitCode: -1}, false
	}
	if inspect.State != runtime.StateRunning || inspect.ExitCode != 0 {
		reason, delayed := classify(inspect)
		return store.HealthSampleRecord{
			Overall: overallUnhealthy, ContainerState: string(inspect.State),
			ExitCode: inspect.ExitCode, ErrorReason: reason,
		}, delayed
	}

	addr := "127.0.0.1:" + strconv.Itoa(rec.Port)
	if err := runtime.ProbeTCP(addr, l.cfg.ProbeTimeout); err != nil {
		return store.HealthSampleRecord{Overall: overallUnhealthy, ContainerState: string(inspect.State), ErrorReason: "port-closed"}, false
	}

	if l.cfg.HTTPPath != "" {
		if err := probeHTTP(rec.Port, l.cfg.HTTPPath, l.cfg.HTTPTimeout); err != nil {
			return store.HealthSampleRecord{Overall: overallUnhealthy, ContainerState: string(inspect.State), ErrorReason: "http-probe-failed: " + err.Error()}, false
		}
	}

	return store.HealthSampleRecord{
		Overall: overallHealthy, ContainerState: string(inspect.State),
		LatencyMS: time.Since(start).Milliseconds(),
	}, false
}

// classify distinguishes transient crash patterns (which warrant a
// delayed retry) from clean exits (immediate retry) (spec.md §4.6
// "Failure classification").
func classify(ir runtime.InspectResult) (reason string, delayed bool) {
	switch {
	case ir.ExitCode == 137 || ir.ExitCode == 9:
		return "oom-or-killed", true
	case containsAny(ir.HealthLogTail, "address already in use", "bind:"):
		return "bind-address-in-use", true
	case ir.ExitCode == 0:
		return "clean-exit", false
	default:
		return "unknown-exit:" + strconv.Itoa(ir.ExitCode), false
	}
}

func containsAny(lines []string, needles ...string) bool {
	for _, line := range lines {
		for _, n := range needles {
			if strings.Contains(line, n) {
				return true
			}
		}
	}
	return false
}
