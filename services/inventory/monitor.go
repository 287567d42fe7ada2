package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services/alerting"
)

const monitorActor = "expiry_monitor"

// MonitorConfig holds the expiry monitor configuration
type MonitorConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// WarnWindow is how far ahead of not-after an expiring-soon alert is
	// raised.
	WarnWindow time.Duration
}

// DefaultMonitorConfig returns the default monitor configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   time.Hour,
		WarnWindow: 30 * 24 * time.Hour,
	}
}

// Monitor periodically sweeps the inventory: certificate records past their
// not-after move to EXPIRED through the projector, and records expiring
// within the warn window raise an alert.
type Monitor struct {
	projector *Projector
	repo      repositories.InventoryRepository
	notifier  alerting.Notifier
	cfg       MonitorConfig
	logger    *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool

	// warnedMu guards warned; Sweep is exported, so an out-of-band sweep
	// can overlap the loop's own.
	warnedMu sync.Mutex
	warned   map[string]bool
}

// NewMonitor creates a new expiry Monitor instance
func NewMonitor(projector *Projector, repo repositories.InventoryRepository, notifier alerting.Notifier, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = DefaultMonitorConfig().WarnWindow
	}
	return &Monitor{
		projector: projector,
		repo:      repo,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		warned:    make(map[string]bool),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("expiry monitor already started")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.started = true

	go m.loop()
	m.logger.Info("started expiry monitor",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("warn_window", m.cfg.WarnWindow))
	return nil
}

// Stop terminates the sweep loop and waits for an in-progress sweep
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info("expiry monitor stopped")
}

func (m *Monitor) loop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Sweep(context.Background())
	for {
		select {
		case <-ticker.C:
			m.Sweep(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Sweep performs one pass over the inventory. It is exported so operators
// can trigger it out of band.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()

	expiring, err := m.repo.ListExpiringBefore(ctx, now.Add(m.cfg.WarnWindow))
	if err != nil {
		m.logger.Error("expiry sweep failed to list records", zap.Error(err))
		return
	}

	expired, warned := 0, 0
	for _, rec := range expiring {
		if rec.NotAfter == nil || rec.State != models.RecordStateActive {
			continue
		}
		if rec.NotAfter.Before(now) {
			if _, err := m.projector.markExpired(ctx, rec.ID, monitorActor); err != nil {
				m.logger.Error("failed to expire record",
					zap.String("record_id", rec.ID.String()),
					zap.Error(err))
				continue
			}
			m.clearWarned(rec.ID.String())
			expired++
			continue
		}

		// Expiring soon: alert once per record, not once per sweep.
		if !m.tryMarkWarned(rec.ID.String()) {
			continue
		}
		alert := alerting.Alert{
			Kind: alerting.KindCertificateExpiring,
			Message: fmt.Sprintf("certificate %s (%s) expires at %s",
				rec.ID, rec.CommonName, rec.NotAfter.Format(time.RFC3339)),
		}
		if err := m.notifier.Notify(ctx, alert); err != nil {
			m.logger.Error("failed to deliver expiring-soon alert",
				zap.String("record_id", rec.ID.String()),
				zap.Error(err))
			// undelivered, so the next sweep retries
			m.clearWarned(rec.ID.String())
			continue
		}
		warned++
	}

	if expired > 0 || warned > 0 {
		m.logger.Info("expiry sweep finished",
			zap.Int("expired", expired),
			zap.Int("expiring_soon", warned))
	}
}

// tryMarkWarned claims the record for warning; it reports false when an
// overlapping sweep already claimed it.
func (m *Monitor) tryMarkWarned(id string) bool {
	m.warnedMu.Lock()
	defer m.warnedMu.Unlock()
	if m.warned[id] {
		return false
	}
	m.warned[id] = true
	return true
}

func (m *Monitor) clearWarned(id string) {
	m.warnedMu.Lock()
	defer m.warnedMu.Unlock()
	delete(m.warned, id)
}
