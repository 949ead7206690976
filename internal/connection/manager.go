package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/observability"
)

// ErrPoolExhausted is returned when every pooled connection is in use and
// the pool is at its limit.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned when trying to use a closed pool.
var ErrPoolClosed = errors.New("connection pool closed")

// RateObserver receives throughput samples.
type RateObserver interface {
	UpdateDownloadRate(size int64, elapsed time.Duration)
}

// ManagerConfig holds configuration for the connection manager.
type ManagerConfig struct {
	// MaxConnections bounds the pool size. Zero means unbounded.
	MaxConnections int
	// Factory creates new connections. Required.
	Factory Factory
	// Downloader runs buffered fetch loops. Optional.
	Downloader *Downloader
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Stats is a snapshot of the pool.
type Stats struct {
	Total   int            `json:"total"`
	InUse   int            `json:"in_use"`
	Origins map[string]int `json:"origins"`
}

// Manager owns a pool of persistent connections keyed by scheme, host and port.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	conns  []Connection
	closed bool

	observerMu sync.RWMutex
	observer   RateObserver
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: cfg,
		logger: observability.WithComponent(logger, "connection_manager"),
	}
}

// GetConnection returns an idle reusable connection for params, creating one
// if none exists. The returned connection is marked used until Release.
func (m *Manager) GetConnection(ctx context.Context, params Params) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrPoolClosed
	}

	key := params.Key()
	for _, c := range m.conns {
		if !c.Used() && c.Available() && c.Params().Key() == key {
			c.SetUsed(true)
			m.config.Metrics.IncConnectionsReused()
			return c, nil
		}
	}

	m.pruneLocked()
	if m.config.MaxConnections > 0 && len(m.conns) >= m.config.MaxConnections {
		if !m.evictIdleLocked() {
			return nil, ErrPoolExhausted
		}
	}

	c, err := m.config.Factory(params)
	if err != nil {
		return nil, fmt.Errorf("creating connection to %s: %w", key, err)
	}
	c.SetUsed(true)
	m.conns = append(m.conns, c)
	m.config.Metrics.IncConnectionsOpened()

	m.logger.Debug("connection created",
		slog.String("origin", key),
		slog.Int("pool_size", len(m.conns)),
	)
	return c, nil
}

// Release returns a connection to the pool. Unavailable connections are
// closed and dropped.
func (m *Manager) Release(c Connection) {
	if c == nil {
		return
	}
	c.SetUsed(false)
	if c.Available() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c)
	c.Close()
}

// Discard closes c and removes it from the pool.
func (m *Manager) Discard(c Connection) {
	if c == nil {
		return
	}
	m.mu.Lock()
	m.removeLocked(c)
	m.mu.Unlock()

	c.SetUsed(false)
	c.Close()
}

// SetRateObserver registers the single throughput observer.
func (m *Manager) SetRateObserver(o RateObserver) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.observer = o
}

// UpdateDownloadRate forwards a throughput sample to the registered observer.
func (m *Manager) UpdateDownloadRate(size int64, elapsed time.Duration) {
	m.config.Metrics.ObserveDownload(size, elapsed)

	m.observerMu.RLock()
	o := m.observer
	m.observerMu.RUnlock()

	if o != nil {
		o.UpdateDownloadRate(size, elapsed)
	}
}

// Downloader returns the background fetch service, or nil when none was configured.
func (m *Manager) Downloader() *Downloader {
	return m.config.Downloader
}

// CloseAllConnections closes every pooled connection and rejects further use.
func (m *Manager) CloseAllConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.closed = true
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		m.logger.Debug("connections closed", slog.Int("count", len(conns)))
	}
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Origins: make(map[string]int)}
	for _, c := range m.conns {
		s.Total++
		if c.Used() {
			s.InUse++
		}
		s.Origins[c.Params().Key()]++
	}
	return s
}

// pruneLocked drops idle connections that can no longer serve requests (must hold lock).
func (m *Manager) pruneLocked() {
	kept := m.conns[:0]
	for _, c := range m.conns {
		if !c.Used() && !c.Available() {
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	m.conns = kept
}

// evictIdleLocked closes the oldest idle connection (must hold lock).
func (m *Manager) evictIdleLocked() bool {
	for i, c := range m.conns {
		if !c.Used() {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			c.Close()
			return true
		}
	}
	return false
}

// removeLocked removes c from the pool (must hold lock).
func (m *Manager) removeLocked(c Connection) {
	for i, pooled := range m.conns {
		if pooled == c {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}
