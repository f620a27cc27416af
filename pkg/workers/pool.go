package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/transports/ssh"
)

// DefaultResetCommand clears build state from a pooled host on Destroy.
const DefaultResetCommand = "rm -rf /var/lib/factory/* /tmp/factory-build-*"

// Host is a pre-registered build host.
type Host struct {
	ID           string           `json:"id" yaml:"id" validate:"required"`
	Address      string           `json:"address" yaml:"address" validate:"required"`
	Port         int              `json:"port,omitempty" yaml:"port,omitempty"`
	User         string           `json:"user,omitempty" yaml:"user,omitempty"`
	Architecture string           `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	InstanceType string           `json:"instance_type,omitempty" yaml:"instance_type,omitempty"`
	Placement    engine.Placement `json:"placement" yaml:"placement"`
	Identity     engine.Identity  `json:"identity" yaml:"identity"`
}

// PoolConfig configures a PoolManager.
type PoolConfig struct {
	Hosts []Host `json:"hosts" yaml:"hosts" validate:"dive"`

	// ResetCommand runs on a host when its worker is destroyed.
	ResetCommand string `json:"reset_command,omitempty" yaml:"reset_command,omitempty"`

	// ProbeAttempts bounds readiness probes per lease (default 3).
	ProbeAttempts int `json:"probe_attempts,omitempty" yaml:"probe_attempts,omitempty"`
}

// Dialer opens a transport to a worker.
type Dialer func(worker engine.WorkerResource) (ssh.Transport, error)

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Total       int `json:"total"`
	Leased      int `json:"leased"`
	Bound       int `json:"bound"`
	Quarantined int `json:"quarantined"`
}

type hostState struct {
	host        Host
	instanceID  string // non-empty while leased
	lease       string // current tenancy, kept until Release
	bound       bool   // placement binding held until Release
	quarantined bool   // reset failed; host is withheld
}

// PoolManager leases hosts from a static inventory.
type PoolManager struct {
	config PoolConfig
	dial   Dialer
	probe  backoff.Strategy
	logger zerolog.Logger

	mu    sync.Mutex
	hosts []*hostState
	byID  map[string]*hostState
}

var (
	_ engine.WorkerManager   = (*PoolManager)(nil)
	_ engine.NetworkReleaser = (*PoolManager)(nil)
)

// NewPoolManager creates a pool over config.Hosts.
func NewPoolManager(config PoolConfig, dial Dialer, logger zerolog.Logger) (*PoolManager, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("pool has no hosts")
	}
	if dial == nil {
		return nil, fmt.Errorf("pool requires a dialer")
	}
	if config.ResetCommand == "" {
		config.ResetCommand = DefaultResetCommand
	}
	if config.ProbeAttempts <= 0 {
		config.ProbeAttempts = 3
	}

	m := &PoolManager{
		config: config,
		dial:   dial,
		probe: backoff.WithTransforms(
			backoff.Exponential(time.Second),
			linger.FullJitter,
			linger.Limiter(0, 10*time.Second),
		),
		logger: logger.With().Str("component", "workers").Str("manager", "pool").Logger(),
		byID:   make(map[string]*hostState, len(config.Hosts)),
	}

	for _, h := range config.Hosts {
		if h.ID == "" || h.Address == "" {
			return nil, fmt.Errorf("pool host requires an id and an address")
		}
		if _, dup := m.byID[h.ID]; dup {
			return nil, fmt.Errorf("duplicate pool host %q", h.ID)
		}
		s := &hostState{host: h}
		m.hosts = append(m.hosts, s)
		m.byID[h.ID] = s
	}
	return m, nil
}

// Name implements engine.WorkerManager.
func (m *PoolManager) Name() string { return "pool" }

// Provision leases a free host and probes it over SSH.
func (m *PoolManager) Provision(ctx context.Context, pc engine.ProvisionContext) (*engine.WorkerResource, error) {
	worker, err := m.lease(pc)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With().
		Str("instance_id", pc.InstanceID).
		Str("worker_id", worker.ID).
		Logger()
	logger.Info().Str("address", worker.Address).Msg("Host leased")

	if err := m.waitReady(ctx, *worker); err != nil {
		// The lease is held; cleanup returns the host.
		return worker, engine.NewProvisionError("host failed readiness probe", err).
			WithInstance(pc.InstanceID).
			WithCode(engine.ErrCodeUnreachable)
	}
	return worker, nil
}

func (m *PoolManager) lease(pc engine.ProvisionContext) (*engine.WorkerResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.hosts {
		if s.instanceID != "" || s.bound || s.quarantined {
			continue
		}
		if pc.Target.Architecture != "" && s.host.Architecture != "" && s.host.Architecture != pc.Target.Architecture {
			continue
		}
		if pc.Target.InstanceType != "" && s.host.InstanceType != "" && s.host.InstanceType != pc.Target.InstanceType {
			continue
		}

		s.instanceID = pc.InstanceID
		s.lease = uuid.New().String()
		s.bound = true
		return &engine.WorkerResource{
			ID:           s.host.ID,
			Lease:        s.lease,
			Provider:     m.Name(),
			Address:      s.host.Address,
			Port:         s.host.Port,
			User:         s.host.User,
			InstanceType: s.host.InstanceType,
			Placement:    s.host.Placement,
			Identity:     s.host.Identity,
		}, nil
	}

	return nil, engine.NewProvisionError("no free build host", nil).
		WithInstance(pc.InstanceID).
		WithCode(engine.ErrCodeNoCapacity)
}

func (m *PoolManager) waitReady(ctx context.Context, worker engine.WorkerResource) error {
	counter := backoff.Counter{Strategy: m.probe}

	var err error
	for attempt := 1; attempt <= m.config.ProbeAttempts; attempt++ {
		if err = m.healthCheck(ctx, worker); err == nil {
			return nil
		}
		m.logger.Debug().Err(err).Str("worker_id", worker.ID).Int("attempt", attempt).Msg("Readiness probe failed")

		if attempt == m.config.ProbeAttempts {
			break
		}
		if sleepErr := counter.Sleep(ctx, err); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (m *PoolManager) healthCheck(ctx context.Context, worker engine.WorkerResource) error {
	transport, err := m.dial(worker)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = transport.Disconnect() }()
	return transport.HealthCheck(ctx)
}

// Destroy resets the host and returns it to the pool. A host whose reset
// fails is quarantined. Destroying a lease that has already been torn down,
// or that no longer holds the host, does nothing.
func (m *PoolManager) Destroy(ctx context.Context, worker engine.WorkerResource) error {
	m.mu.Lock()
	s, ok := m.byID[worker.ID]
	if ok && !s.owns(worker) {
		m.mu.Unlock()
		m.logger.Warn().Str("worker_id", worker.ID).Str("lease", worker.Lease).Msg("Ignoring destroy for a stale lease")
		return nil
	}
	if ok && s.lease != "" && s.instanceID == "" {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := m.reset(ctx, worker)

	m.mu.Lock()
	s.instanceID = ""
	if err != nil {
		s.quarantined = true
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Host reset failed, quarantined")
		return fmt.Errorf("reset %s: %w", worker.ID, err)
	}
	m.logger.Info().Str("worker_id", worker.ID).Msg("Host returned to pool")
	return nil
}

func (m *PoolManager) reset(ctx context.Context, worker engine.WorkerResource) error {
	transport, err := m.dial(worker)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = transport.Disconnect() }()

	_, err = transport.Run(ctx, m.config.ResetCommand)
	return err
}

// Release frees the host's placement binding.
func (m *PoolManager) Release(_ context.Context, worker engine.WorkerResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[worker.ID]; ok && s.owns(worker) {
		s.bound = false
		s.lease = ""
	}
	return nil
}

// owns reports whether worker belongs to the host's current tenancy. A host
// with no lease, as after a restart, accepts any worker.
func (s *hostState) owns(worker engine.WorkerResource) bool {
	return s.lease == "" || s.lease == worker.Lease
}

// Unquarantine makes a quarantined host leasable again.
func (m *PoolManager) Unquarantine(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("unknown pool host %q", id)
	}
	s.quarantined = false
	return nil
}

// Stats returns current pool occupancy.
func (m *PoolManager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{Total: len(m.hosts)}
	for _, s := range m.hosts {
		if s.instanceID != "" {
			stats.Leased++
		}
		if s.bound {
			stats.Bound++
		}
		if s.quarantined {
			stats.Quarantined++
		}
	}
	return stats
}
