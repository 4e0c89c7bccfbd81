// Package localexec provides a message handler that runs allow-listed local
// commands.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/fentz26/leasepool/internal/logging"
	"github.com/fentz26/leasepool/internal/pool"
)

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

// Request is the message payload the handler expects.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Result holds the result of a command execution.
type Result struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// LocalExec runs allow-listed commands for pool messages.
type LocalExec struct {
	workDir string
	// allowed maps a command to its allowed subcommands. An empty list allows
	// any arguments.
	allowed map[string][]string
	timeout time.Duration
	logger  logr.Logger
}

// Option configures LocalExec.
type Option func(*LocalExec)

// WithTimeout bounds every command run.
func WithTimeout(d time.Duration) Option {
	return func(l *LocalExec) { l.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(l *LocalExec) { l.logger = logger }
}

// New creates a LocalExec. Each allowlist entry is a command, optionally
// followed by the one subcommand it may run: "git status", "go test", "echo".
func New(workDir string, allowlist []string, opts ...Option) *LocalExec {
	l := &LocalExec{
		workDir: workDir,
		allowed: make(map[string][]string),
		logger:  logr.Discard(),
	}
	for _, entry := range allowlist {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		subcmds := l.allowed[fields[0]]
		if len(fields) > 1 {
			subcmds = append(subcmds, fields[1])
		}
		l.allowed[fields[0]] = subcmds
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the handler identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist. A non-zero exit returns the
// result together with an *ExitError.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*Result, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("run %s: %w", cmd, ctx.Err())
	}

	result := &Result{
		Command: cmd,
		Args:    args,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		result.ExitCode = exitError.ExitCode()
		return result, &ExitError{Command: cmd, Code: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

// Handle runs the command described by the message payload and returns its
// result as the derived message.
func (l *LocalExec) Handle(ctx context.Context, msg pool.Message) (any, error) {
	req, err := decodeRequest(msg.Payload)
	if err != nil {
		return nil, err
	}
	l.logger.V(logging.DEBUG).Info("Running command", "command", req.Command, "args", req.Args, "attempt", msg.RetryCount+1)

	result, err := l.Execute(ctx, req.Command, req.Args)
	if err != nil {
		l.logger.V(logging.VERBOSE).Info("Command failed", "command", req.Command, "attempt", msg.RetryCount+1, "error", err.Error())
		return nil, err
	}
	return result, nil
}

// Capabilities declares that the handler logs attempt numbers.
func (l *LocalExec) Capabilities() pool.Capabilities {
	return pool.Capabilities{AcceptsRetryCount: true}
}

// ErrorKinds names the errors Handle returns, for retry_on and on_error.
func ErrorKinds() map[string]pool.ErrorMatcher {
	return map[string]pool.ErrorMatcher{
		"exit_status": pool.MatchAs[*ExitError](),
		"not_allowed": pool.MatchIs(ErrNotAllowed),
	}
}

// decodeRequest converts a decoded JSON payload into a Request.
func decodeRequest(payload any) (Request, error) {
	var req Request
	data, err := json.Marshal(payload)
	if err != nil {
		return req, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode exec request: %w", err)
	}
	if req.Command == "" {
		return req, fmt.Errorf("decode exec request: command is required")
	}
	return req, nil
}
