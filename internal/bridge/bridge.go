// Package bridge runs the desktop-broker automation scripts.
//
// Each invocation spawns one shell subprocess under the calling
// administrator's delegated identity. Credentials travel via the
// environment and stdin only; the command line carries script
// parameters and nothing sensitive.
//
// Wire protocol with the scripts:
//
//   - stdout lines prefixed "DEBUG:" are diagnostics and go to the log
//   - every other non-blank stdout line is one JSON object (a Record)
//   - stderr lines are JSON objects {"kind": ..., "message": ...}
//   - exit code 3 means the delegated identity was rejected
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/identity"
	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// CorrelationParam is appended to every invocation so script-side
// logging can be matched to the task log. Callers must not set it.
const CorrelationParam = "correlationId"

const exitCodeCredential = 3

// Param is one named script parameter. Order is preserved on the
// command line.
type Param struct {
	Name  string
	Value string
}

// Invocation describes one script run.
type Invocation struct {
	Script        string
	Params        []Param
	IgnoreKinds   []string
	CorrelationID string
}

// WithParam appends a parameter and returns the invocation for
// chaining.
func (inv Invocation) WithParam(name, value string) Invocation {
	inv.Params = append(inv.Params, Param{Name: name, Value: value})
	return inv
}

// errorEntry is one stderr line from a script.
type errorEntry struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Invoker runs script invocations. The production implementation is
// Bridge; tests substitute a stub.
type Invoker interface {
	Invoke(ctx context.Context, id identity.Context, inv Invocation) ([]Record, error)
}

// Bridge is the subprocess-backed Invoker.
type Bridge struct {
	folder  string
	shell   string
	timeout time.Duration
}

var _ Invoker = (*Bridge)(nil)

// New builds a Bridge. The scripts folder must exist.
func New(folder, shell string, timeout time.Duration) (*Bridge, error) {
	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NewConfigurationError("scripts.folder", fmt.Sprintf("not a directory: %s", folder))
	}
	if shell == "" {
		return nil, apperrors.NewConfigurationError("scripts.shell", "shell is required")
	}
	return &Bridge{folder: folder, shell: shell, timeout: timeout}, nil
}

// Invoke runs one script to completion and returns its records.
//
// The first stderr entry whose kind is not in inv.IgnoreKinds aborts
// the call with an ExternalOperationError, even when the process exits
// zero. Ignored entries are logged and discarded.
func (b *Bridge) Invoke(ctx context.Context, id identity.Context, inv Invocation) ([]Record, error) {
	script := filepath.Join(b.folder, inv.Script)
	if _, err := os.Stat(script); err != nil {
		return nil, apperrors.NewConfigurationError("scripts.folder", fmt.Sprintf("script not found: %s", inv.Script))
	}

	log := logger.With(
		zap.String("script", inv.Script),
		zap.String("correlation_id", inv.CorrelationID),
	)

	runCtx := ctx
	var cancel context.CancelFunc
	if b.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	args := []string{"-NoProfile", "-NonInteractive", "-File", script}
	for _, p := range inv.Params {
		if p.Name == CorrelationParam {
			continue
		}
		args = append(args, "-"+p.Name, p.Value)
	}
	args = append(args, "-"+CorrelationParam, inv.CorrelationID)

	cmd := exec.CommandContext(runCtx, b.shell, args...)
	cmd.Env = append(os.Environ(),
		"CATALOGD_RUN_DOMAIN="+id.Domain,
		"CATALOGD_RUN_USER="+id.Principal,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin for %s: %w", inv.Script, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout for %s: %w", inv.Script, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Script, err)
	}

	// The secret goes in-band on stdin, never on the command line.
	_, werr := io.WriteString(stdin, id.Secret()+"\n")
	stdin.Close()
	if werr != nil {
		_ = cmd.Wait()
		return nil, fmt.Errorf("write credentials to %s: %w", inv.Script, werr)
	}

	records, decodeErr := b.readRecords(stdout, log)
	if decodeErr != nil {
		// readRecords stops at the bad line; keep draining so a script
		// still writing does not block on a full pipe before Wait.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if opErr := firstError(stderr.Bytes(), inv.IgnoreKinds, log); opErr != nil {
		return nil, opErr
	}
	if waitErr != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("run %s: %w", inv.Script, runCtx.Err())
		}
		var exitErr *exec.ExitError
		if apperrors.As(waitErr, &exitErr) && exitErr.ExitCode() == exitCodeCredential {
			return nil, &apperrors.CredentialError{Principal: id.Qualified()}
		}
		return nil, apperrors.NewExternalOperationError("ScriptExit",
			fmt.Sprintf("%s: %v", inv.Script, waitErr))
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	log.Debug("script completed", zap.Int("records", len(records)))
	return records, nil
}

// readRecords consumes stdout, routing DEBUG lines to the log and
// decoding the rest.
func (b *Bridge) readRecords(r io.Reader, log *zap.Logger) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "DEBUG:"):
			log.Debug(strings.TrimSpace(strings.TrimPrefix(line, "DEBUG:")))
		default:
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return records, &apperrors.DecodeError{Source: "script", Field: "record", Err: err}
			}
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read script output: %w", err)
	}
	return records, nil
}

// firstError returns the first stderr entry not covered by the ignore
// list, or nil.
func firstError(stderr []byte, ignore []string, log *zap.Logger) error {
	ignored := make(map[string]struct{}, len(ignore))
	for _, k := range ignore {
		ignored[k] = struct{}{}
	}
	scanner := bufio.NewScanner(bytes.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry errorEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			entry = errorEntry{Kind: "ScriptError", Message: line}
		}
		if _, ok := ignored[entry.Kind]; ok {
			log.Debug("ignored script error",
				zap.String("kind", entry.Kind),
				zap.String("message", entry.Message))
			continue
		}
		return apperrors.NewExternalOperationError(entry.Kind, entry.Message)
	}
	return nil
}
