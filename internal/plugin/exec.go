package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxCapture = 4 << 20
	stderrTail = 512
	waitDelay  = 2 * time.Second
)

// entryArgv splits entry_point into argv. The first token resolves to a file
// inside the snapshot when one exists, otherwise through PATH.
func entryArgv(dir, entry string) ([]string, error) {
	argv := strings.Fields(entry)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty entry_point")
	}
	first := argv[0]
	if !filepath.IsAbs(first) {
		local := filepath.Join(dir, first)
		if fi, err := os.Stat(local); err == nil && !fi.IsDir() {
			argv[0] = local
			return argv, nil
		}
	}
	if _, err := exec.LookPath(first); err != nil {
		return nil, fmt.Errorf("entry point %q not found", first)
	}
	return argv, nil
}

// runExec runs an exec plugin: params as JSON on stdin, result on stdout.
func (r *Runtime) runExec(ctx context.Context, e *Entry, params map[string]any, depsDir string) (any, string, error) {
	if params == nil {
		params = map[string]any{}
	}
	in, err := json.Marshal(params)
	if err != nil {
		return nil, "", fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Dir = e.Path
	cmd.Env = execEnv(e, depsDir)
	cmd.Stdin = bytes.NewReader(in)
	cmd.WaitDelay = waitDelay
	stdout := &capped{max: maxCapture}
	stderr := &capped{max: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	errText := strings.TrimSpace(stderr.String())
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, errText, cerr
		}
		return nil, errText, fmt.Errorf("exited: %w%s", err, tail(errText))
	}
	return decodeOutput(stdout.Bytes()), errText, nil
}

// decodeOutput returns parsed JSON when stdout is valid JSON, else trimmed text.
func decodeOutput(b []byte) any {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

func tail(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return ": " + s
}

// capped keeps the first max bytes and discards the rest.
type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) Bytes() []byte  { return c.buf.Bytes() }
func (c *capped) String() string { return c.buf.String() }
