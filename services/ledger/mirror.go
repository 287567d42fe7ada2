package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/crypto-control-plane/models"
	"go.uber.org/zap"
)

// RedisMirror forwards appended ledger entries to a Redis channel for
// external monitoring. Forwarding is asynchronous and lossy under
// back-pressure: a full buffer drops the entry with a warning. Mirror
// failures never affect the ledger's own append path.
type RedisMirror struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	entryChan   chan *models.AuditEntry
	workerCount int
	bufferSize  int
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.Mutex
}

// MirrorConfig holds configuration for the RedisMirror
type MirrorConfig struct {
	BufferSize  int // Size of the entry buffer channel
	WorkerCount int // Number of concurrent publishers
}

// DefaultMirrorConfig returns the default configuration
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		BufferSize:  4096,
		WorkerCount: 2,
	}
}

// NewRedisMirror creates a new RedisMirror publishing to the given channel
func NewRedisMirror(client *redis.Client, channel string, logger *zap.Logger, config MirrorConfig) *RedisMirror {
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisMirror{
		client:      client,
		channel:     channel,
		logger:      logger,
		entryChan:   make(chan *models.AuditEntry, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background publishers
func (m *RedisMirror) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("audit mirror already started")
	}

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.started = true
	m.logger.Info("started audit mirror",
		zap.String("channel", m.channel),
		zap.Int("worker_count", m.workerCount),
		zap.Int("buffer_size", m.bufferSize))
	return nil
}

// Stop gracefully stops the mirror, waiting for pending entries up to the
// timeout
func (m *RedisMirror) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("audit mirror not started")
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("stopping audit mirror", zap.Int("pending_entries", len(m.entryChan)))

	close(m.entryChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("audit mirror stopped gracefully")
		m.cancel()
		return nil
	case <-time.After(timeout):
		m.cancel()
		return fmt.Errorf("audit mirror stop timeout after %v", timeout)
	}
}

// Forward queues an entry for publication without blocking. A full buffer
// drops the entry; the ledger itself is never affected.
func (m *RedisMirror) Forward(entry *models.AuditEntry) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case m.entryChan <- entry:
	default:
		m.dropped.Add(1)
		m.logger.Warn("audit mirror buffer full, dropping entry",
			zap.Uint64("sequence", entry.Sequence),
			zap.String("action", string(entry.Action)))
	}
}

// worker publishes entries from the channel
func (m *RedisMirror) worker(id int) {
	defer m.wg.Done()

	m.logger.Debug("audit mirror worker started", zap.Int("worker_id", id))

	for entry := range m.entryChan {
		if err := m.publish(entry); err != nil {
			m.logger.Error("failed to mirror audit entry",
				zap.Int("worker_id", id),
				zap.Uint64("sequence", entry.Sequence),
				zap.Error(err))
		}
	}

	m.logger.Debug("audit mirror worker stopped", zap.Int("worker_id", id))
}

// publish sends a single entry to the Redis channel
func (m *RedisMirror) publish(entry *models.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}

// MirrorStats represents mirror statistics
type MirrorStats struct {
	BufferSize     int
	PendingEntries int
	WorkerCount    int
	Dropped        uint64
	Started        bool
}

// GetStats returns statistics about the mirror
func (m *RedisMirror) GetStats() MirrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MirrorStats{
		BufferSize:     m.bufferSize,
		PendingEntries: len(m.entryChan),
		WorkerCount:    m.workerCount,
		Dropped:        m.dropped.Load(),
		Started:        m.started,
	}
}
