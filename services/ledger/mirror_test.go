package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/crypto-control-plane/models"
	"go.uber.org/zap"
)

func newTestMirror(config MirrorConfig) *RedisMirror {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return NewRedisMirror(client, "audit.entries", zap.NewNop(), config)
}

func TestRedisMirror_StartStop(t *testing.T) {
	mirror := newTestMirror(MirrorConfig{BufferSize: 10, WorkerCount: 2})

	err := mirror.Start()
	require.NoError(t, err)

	stats := mirror.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	// Cannot start again
	err = mirror.Start()
	assert.Error(t, err)

	err = mirror.Stop(5 * time.Second)
	require.NoError(t, err)

	// Cannot stop again
	err = mirror.Stop(time.Second)
	assert.Error(t, err)
}

func TestRedisMirror_ForwardBeforeStart(t *testing.T) {
	mirror := newTestMirror(DefaultMirrorConfig())

	entry := models.NewAuditEntry(uuid.New(), models.EntryRunAccepted, "alice")
	mirror.Forward(entry)

	stats := mirror.GetStats()
	assert.Equal(t, 0, stats.PendingEntries)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestRedisMirror_ForwardAfterStop(t *testing.T) {
	mirror := newTestMirror(MirrorConfig{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, mirror.Start())
	require.NoError(t, mirror.Stop(5*time.Second))

	// Must not panic on the closed channel
	entry := models.NewAuditEntry(uuid.New(), models.EntryRunAccepted, "alice")
	mirror.Forward(entry)
}

func TestRedisMirror_DropsWhenBufferFull(t *testing.T) {
	mirror := newTestMirror(MirrorConfig{BufferSize: 2, WorkerCount: 1})

	// Mark started without launching workers so the buffer stays full.
	mirror.mu.Lock()
	mirror.started = true
	mirror.mu.Unlock()

	runID := uuid.New()
	for i := 0; i < 5; i++ {
		mirror.Forward(models.NewAuditEntry(runID, models.EntryStateChanged, "orchestrator"))
	}

	stats := mirror.GetStats()
	assert.Equal(t, 2, stats.PendingEntries)
	assert.Equal(t, uint64(3), stats.Dropped)
}

func TestRedisMirror_PublishFailureDoesNotBlockStop(t *testing.T) {
	// The client points at an unreachable address, so every publish fails.
	// Workers must log and keep draining.
	mirror := newTestMirror(MirrorConfig{BufferSize: 10, WorkerCount: 2})
	require.NoError(t, mirror.Start())

	runID := uuid.New()
	for i := 0; i < 5; i++ {
		mirror.Forward(models.NewAuditEntry(runID, models.EntryStepOutcome, "key_agent"))
	}

	err := mirror.Stop(10 * time.Second)
	require.NoError(t, err)
}

func TestDefaultMirrorConfig(t *testing.T) {
	config := DefaultMirrorConfig()
	assert.Equal(t, 4096, config.BufferSize)
	assert.Equal(t, 2, config.WorkerCount)
}
