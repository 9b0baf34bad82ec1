package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
)

func newTestRunner(t *testing.T, mutate func(*config.SandboxConfig)) *Runner {
	t.Helper()
	cfg := config.DefaultSandboxConfig()
	if _, err := exec.LookPath(cfg.Interpreter); err != nil {
		t.Skipf("%s not installed", cfg.Interpreter)
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewRunner(cfg)
}

func TestRunner_ExecuteReturnsResult(t *testing.T) {
	r := newTestRunner(t, nil)

	code := "async def run(a, b):\n    return {\"sum\": a + b}\n"
	envelope := r.Execute(context.Background(), code, map[string]any{"a": 2, "b": 3})

	require.NotContains(t, envelope, "error")
	result, ok := envelope["result"].(map[string]any)
	require.True(t, ok, "envelope: %v", envelope)
	assert.EqualValues(t, 5, result["sum"])
}

func TestRunner_WhitelistModulesPreloaded(t *testing.T) {
	r := newTestRunner(t, nil)

	// No import statements: json and math come from the harness scope.
	code := "async def run(n):\n    return json.dumps({\"root\": math.sqrt(n)})\n"
	envelope := r.Execute(context.Background(), code, map[string]any{"n": 9})

	require.NotContains(t, envelope, "error")
	assert.Equal(t, `{"root": 3.0}`, envelope["result"])
}

func TestRunner_ExceptionBecomesErrorValue(t *testing.T) {
	r := newTestRunner(t, nil)

	code := "async def run():\n    raise ValueError(\"boom\")\n"
	envelope := r.Execute(context.Background(), code, nil)

	require.Contains(t, envelope, "error")
	assert.Contains(t, envelope["error"], "ValueError: boom")
}

func TestRunner_TimeoutKillsProcess(t *testing.T) {
	r := newTestRunner(t, func(cfg *config.SandboxConfig) {
		cfg.Timeout = 500 * time.Millisecond
	})

	code := "async def run():\n    await asyncio.sleep(30)\n    return 1\n"
	start := time.Now()
	envelope := r.Execute(context.Background(), code, nil)

	assert.Less(t, time.Since(start), 10*time.Second, "process was killed, not awaited")
	require.Contains(t, envelope, "error")
	assert.Contains(t, envelope["error"], "timed out")
}

func TestRunner_UserPrintsDoNotCorruptEnvelope(t *testing.T) {
	r := newTestRunner(t, nil)

	code := "async def run():\n    print(\"debug line one\")\n    print(\"{not json\")\n    return 42\n"
	envelope := r.Execute(context.Background(), code, nil)

	require.NotContains(t, envelope, "error")
	assert.EqualValues(t, 42, envelope["result"])
}

func TestRunner_OutputCapReportsTruncation(t *testing.T) {
	r := newTestRunner(t, func(cfg *config.SandboxConfig) {
		cfg.MaxOutputBytes = 2048
	})

	code := "async def run():\n    print(\"x\" * 100000)\n    return 1\n"
	envelope := r.Execute(context.Background(), code, nil)

	require.Contains(t, envelope, "error")
	assert.Contains(t, envelope["error"], "exceeded")
}

func TestRunner_MissingArgumentsBecomeErrorValue(t *testing.T) {
	r := newTestRunner(t, nil)

	code := "async def run(required):\n    return required\n"
	envelope := r.Execute(context.Background(), code, nil)

	require.Contains(t, envelope, "error")
	assert.Contains(t, envelope["error"], "TypeError")
}

func TestRunner_CompileCheck(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx := context.Background()

	assert.NoError(t, r.CompileCheck(ctx, "async def run():\n    return 1\n"))

	err := r.CompileCheck(ctx, "async def run(:\n    return 1\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SyntaxError")
}
