package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/crypto-control-plane/services"
)

// stubDriver is a controllable driver for exercising the invocation
// pipeline. It records every action it receives.
type stubDriver struct {
	name   string
	output string
	err    error
	delay  time.Duration

	mu    sync.Mutex
	calls []string
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, action)
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if d.err != nil {
		return "", d.err
	}
	return d.output, nil
}

func (d *stubDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func stubBinding(d *stubDriver) *ToolBinding {
	return &ToolBinding{
		Driver: d,
		Actions: map[string]ActionSpec{
			"act": {Args: map[string]ArgSpec{
				"common_name": {Required: true, Type: ArgString},
				"key_size":    {Type: ArgInt},
			}},
		},
	}
}

func newTestExecutor(t *testing.T, cfg *Config, bindings ...*ToolBinding) *Executor {
	t.Helper()
	reg, err := NewRegistry(bindings...)
	require.NoError(t, err)
	return NewExecutor(reg, cfg, zap.NewNop())
}

func validArgs() map[string]string {
	return map[string]string{"common_name": "example.com"}
}

func TestExecutor_Invoke(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "done"}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	result, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)

	require.NoError(t, err)
	assert.Equal(t, "stub", result.Tool)
	assert.Equal(t, "act", result.Action)
	assert.Equal(t, "done", result.Output)
	assert.GreaterOrEqual(t, result.Duration, time.Duration(0))
	assert.Equal(t, 1, driver.callCount())
}

func TestExecutor_InvokeUnregisteredTool(t *testing.T) {
	exec := newTestExecutor(t, nil, stubBinding(&stubDriver{name: "stub"}))

	result, err := exec.Invoke(context.Background(), "ghost", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, services.IsConfigurationError(err))
	assert.False(t, services.IsRetryableError(err))
	assert.Contains(t, err.Error(), "not registered")
}

func TestExecutor_InvokeActionNotPermitted(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "done"}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	_, err := exec.Invoke(context.Background(), "stub", "forbidden", validArgs(), time.Second)

	require.Error(t, err)
	assert.True(t, services.IsConfigurationError(err))
	assert.Contains(t, err.Error(), `does not permit action "forbidden"`)
	assert.Equal(t, 0, driver.callCount())
}

func TestExecutor_InvokeSchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]string
		wantMsg string
	}{
		{
			name:    "missing required argument",
			args:    map[string]string{"key_size": "2048"},
			wantMsg: `requires argument "common_name"`,
		},
		{
			name:    "undeclared argument",
			args:    map[string]string{"common_name": "example.com", "shell": "/bin/sh"},
			wantMsg: `does not accept argument "shell"`,
		},
		{
			name:    "typed argument does not parse",
			args:    map[string]string{"common_name": "example.com", "key_size": "big"},
			wantMsg: "not an integer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &stubDriver{name: "stub", output: "done"}
			exec := newTestExecutor(t, nil, stubBinding(driver))

			_, err := exec.Invoke(context.Background(), "stub", "act", tt.args, time.Second)

			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
			assert.False(t, services.IsRetryableError(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, 0, driver.callCount())
		})
	}
}

func TestExecutor_InvokeUnsafeArgument(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "done"}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	_, err := exec.Invoke(context.Background(), "stub", "act",
		map[string]string{"common_name": "example.com; rm -rf /"}, time.Second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrUnsafeArgument))
	assert.Equal(t, 0, driver.callCount(), "guarded argument must never reach the driver")
}

func TestExecutor_InvokeTimeout(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "late", delay: 200 * time.Millisecond}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	result, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), 20*time.Millisecond)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, services.IsToolTimeoutError(err))
	assert.True(t, services.IsRetryableError(err))
	assert.Contains(t, err.Error(), "deadline")
}

func TestExecutor_InvokeZeroTimeoutUsesDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	driver := &stubDriver{name: "stub", output: "late", delay: 200 * time.Millisecond}
	exec := newTestExecutor(t, cfg, stubBinding(driver))

	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), 0)

	require.Error(t, err)
	assert.True(t, services.IsToolTimeoutError(err))
}

func TestExecutor_InvokeCancelled(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "done", delay: 50 * time.Millisecond}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Invoke(ctx, "stub", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.True(t, services.IsCancelledError(err))
	assert.False(t, services.IsRetryableError(err))
}

func TestExecutor_InvokeDriverError(t *testing.T) {
	driver := &stubDriver{name: "stub", err: errors.New("backend exploded")}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.True(t, services.IsToolExecutionError(err))
	assert.False(t, services.IsRetryableError(err))
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestExecutor_InvokePreservesDriverClassification(t *testing.T) {
	driver := &stubDriver{name: "stub", err: services.ErrToolUnavailable}
	exec := newTestExecutor(t, nil, stubBinding(driver))

	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrToolUnavailable))
	assert.True(t, services.IsRetryableError(err))
}

func TestExecutor_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerConsecutiveFailures = 2
	driver := &stubDriver{name: "stub", err: errors.New("backend down")}
	exec := newTestExecutor(t, cfg, stubBinding(driver))

	for i := 0; i < 3; i++ {
		_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)
		require.Error(t, err)
		assert.True(t, services.IsToolExecutionError(err))
	}

	// The third consecutive failure trips the breaker; the next call is
	// rejected without reaching the driver.
	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.True(t, services.IsToolExecutionError(err))
	assert.True(t, services.IsRetryableError(err))
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, 3, driver.callCount())
}

func TestExecutor_BreakerIsPerTool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerConsecutiveFailures = 2
	failing := &stubDriver{name: "failing", err: errors.New("backend down")}
	healthy := &stubDriver{name: "healthy", output: "ok"}
	exec := newTestExecutor(t, cfg, stubBinding(failing), stubBinding(healthy))

	for i := 0; i < 3; i++ {
		_, err := exec.Invoke(context.Background(), "failing", "act", validArgs(), time.Second)
		require.Error(t, err)
	}
	_, err := exec.Invoke(context.Background(), "failing", "act", validArgs(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")

	result, err := exec.Invoke(context.Background(), "healthy", "act", validArgs(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
}

func TestExecutor_TimeoutCountsTowardBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerConsecutiveFailures = 1
	driver := &stubDriver{name: "stub", output: "late", delay: 100 * time.Millisecond}
	exec := newTestExecutor(t, cfg, stubBinding(driver))

	for i := 0; i < 2; i++ {
		_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), 10*time.Millisecond)
		require.Error(t, err)
		assert.True(t, services.IsToolTimeoutError(err))
	}

	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), 10*time.Millisecond)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}

func TestExecutor_RateLimitExceeded(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "done"}
	b := stubBinding(driver)
	b.Rate = rate.Limit(1)
	b.Burst = 1
	exec := newTestExecutor(t, nil, b)

	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)
	require.NoError(t, err)

	_, err = exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))
	assert.True(t, services.IsRetryableError(err))
	assert.Equal(t, 1, driver.callCount())
}

func TestExecutor_Reload(t *testing.T) {
	oldDriver := &stubDriver{name: "old", output: "old"}
	newDriver := &stubDriver{name: "new", output: "new"}
	exec := newTestExecutor(t, nil, stubBinding(oldDriver))

	reg, err := NewRegistry(stubBinding(newDriver))
	require.NoError(t, err)
	exec.Reload(reg)

	_, err = exec.Invoke(context.Background(), "old", "act", validArgs(), time.Second)
	require.Error(t, err)
	assert.True(t, services.IsConfigurationError(err))

	result, err := exec.Invoke(context.Background(), "new", "act", validArgs(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "new", result.Output)
}

func TestExecutor_ReloadKeepsBreakerState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerConsecutiveFailures = 2
	failing := &stubDriver{name: "stub", err: errors.New("backend down")}
	exec := newTestExecutor(t, cfg, stubBinding(failing))

	for i := 0; i < 3; i++ {
		_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)
		require.Error(t, err)
	}

	// Rebinding the tool to a healthy driver must not clear its failure
	// history; the breaker stays open until its own timeout elapses.
	healthy := &stubDriver{name: "stub", output: "ok"}
	reg, err := NewRegistry(stubBinding(healthy))
	require.NoError(t, err)
	exec.Reload(reg)

	_, err = exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, 0, healthy.callCount())
}

func TestExecutor_ReloadRebuildsLimiters(t *testing.T) {
	driver := &stubDriver{name: "stub", output: "done"}
	tight := stubBinding(driver)
	tight.Rate = rate.Limit(1)
	tight.Burst = 1
	exec := newTestExecutor(t, nil, tight)

	_, err := exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)
	require.NoError(t, err)
	_, err = exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)
	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))

	relaxed := stubBinding(driver)
	reg, err := NewRegistry(relaxed)
	require.NoError(t, err)
	exec.Reload(reg)

	_, err = exec.Invoke(context.Background(), "stub", "act", validArgs(), time.Second)
	assert.NoError(t, err)
}

func TestExecutor_GetToolStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerConsecutiveFailures = 1
	failing := &stubDriver{name: "failing", err: errors.New("backend down")}
	healthy := &stubDriver{name: "healthy", output: "ok"}
	exec := newTestExecutor(t, cfg, stubBinding(failing), stubBinding(healthy))

	for i := 0; i < 2; i++ {
		_, err := exec.Invoke(context.Background(), "failing", "act", validArgs(), time.Second)
		require.Error(t, err)
	}

	stats := exec.GetToolStats()

	require.Len(t, stats, 2)
	assert.Equal(t, "failing", stats[0].Tool)
	assert.Equal(t, "open", stats[0].BreakerState)
	assert.Equal(t, "healthy", stats[1].Tool)
	assert.Equal(t, "closed", stats[1].BreakerState)
	assert.Equal(t, []string{"act"}, stats[0].Actions)
}
