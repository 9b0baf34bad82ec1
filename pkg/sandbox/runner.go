package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
)

const compileCheckTimeout = 10 * time.Second

// Runner executes validated scripts in a separate interpreter process.
type Runner struct {
	cfg    *config.SandboxConfig
	logger *slog.Logger
}

// NewRunner creates a script runner.
func NewRunner(cfg *config.SandboxConfig) *Runner {
	if cfg == nil {
		cfg = config.DefaultSandboxConfig()
	}
	return &Runner{
		cfg:    cfg,
		logger: slog.Default().With("component", "sandbox"),
	}
}

// CompileCheck feeds the script through the interpreter's compiler without
// running it. Rejects syntax errors before a script is ever persisted.
func (r *Runner) CompileCheck(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, compileCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Interpreter, "-I", "-c",
		`import sys; compile(sys.stdin.read(), "<tool>", "exec")`)
	cmd.Stdin = strings.NewReader(code)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := lastLine(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("compile check failed: %s", msg)
	}
	return nil
}

// Execute runs the script's `async def run(**kwargs)` with args and returns
// the envelope the harness printed: {"result": ...} on success, {"error":
// ...} on exception, timeout, or any harness-level failure. It never
// returns a Go error; tool execution treats failures as values.
func (r *Runner) Execute(ctx context.Context, code string, args map[string]any) map[string]any {
	stdin, err := json.Marshal(args)
	if err != nil {
		return errEnvelope(fmt.Sprintf("failed to encode arguments: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	// -I: isolated mode — no user site-packages, no PYTHON* env vars.
	cmd := exec.CommandContext(ctx, r.cfg.Interpreter, "-I", "-c", r.harness(code))
	cmd.Stdin = bytes.NewReader(stdin)

	stdout := &capWriter{max: r.cfg.MaxOutputBytes}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Warn("Script killed on timeout", "timeout", r.cfg.Timeout)
		return errEnvelope(fmt.Sprintf("script timed out after %v", r.cfg.Timeout))
	}
	if runErr != nil {
		msg := lastLine(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		r.logger.Warn("Script process failed", "error", msg, "elapsed", elapsed)
		return errEnvelope(fmt.Sprintf("script process failed: %s", msg))
	}

	envelope := parseEnvelope(stdout.String())
	if envelope == nil {
		if stdout.truncated {
			return errEnvelope(fmt.Sprintf("script output exceeded %d bytes", r.cfg.MaxOutputBytes))
		}
		return errEnvelope("script produced no result envelope")
	}
	return envelope
}

// harness wraps user code in the driver that decodes kwargs from stdin,
// awaits run(), and prints a one-line JSON envelope. Harness names carry
// the _sb_ prefix the validator reserves, so user code cannot reach them.
func (r *Runner) harness(code string) string {
	var b strings.Builder
	b.WriteString("import asyncio as _sb_asyncio\n")
	b.WriteString("import json as _sb_json\n")
	b.WriteString("import sys as _sb_sys\n")
	for _, mod := range r.cfg.AllowedModules {
		b.WriteString("import ")
		b.WriteString(mod)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n\n")
	b.WriteString("def _sb_main():\n")
	b.WriteString("    raw = _sb_sys.stdin.read()\n")
	b.WriteString("    kwargs = _sb_json.loads(raw) if raw.strip() else {}\n")
	b.WriteString("    if not isinstance(kwargs, dict):\n")
	b.WriteString("        kwargs = {}\n")
	b.WriteString("    try:\n")
	b.WriteString("        result = _sb_asyncio.run(run(**kwargs))\n")
	b.WriteString("        envelope = {\"result\": result}\n")
	b.WriteString("    except Exception as exc:\n")
	b.WriteString("        envelope = {\"error\": f\"{type(exc).__name__}: {exc}\"}\n")
	b.WriteString("    _sb_sys.stdout.write(\"\\n\" + _sb_json.dumps(envelope, default=str) + \"\\n\")\n")
	b.WriteString("\n")
	b.WriteString("_sb_main()\n")
	return b.String()
}

// parseEnvelope extracts the harness envelope: the last non-empty stdout
// line. Anything the script printed earlier is ignored.
func parseEnvelope(out string) map[string]any {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var envelope map[string]any
		if err := json.Unmarshal([]byte(line), &envelope); err != nil {
			return nil
		}
		return envelope
	}
	return nil
}

func errEnvelope(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// capWriter keeps the first max bytes and swallows the rest, so a looping
// print cannot balloon worker memory.
type capWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.buf.Len() >= w.max {
		w.truncated = true
		return n, nil
	}
	if w.buf.Len()+len(p) > w.max {
		p = p[:w.max-w.buf.Len()]
		w.truncated = true
	}
	w.buf.Write(p)
	return n, nil
}

func (w *capWriter) String() string {
	return w.buf.String()
}
