// Package backend supervises one type-checker child process: spawning,
// framed stdio, graceful shutdown, and the warmup readiness state
// machine (spec.md §4.4, §4.10). The initialize/initialized handshake
// and crash handling are driven by internal/proxy.
package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/K-dash/typemux-cc/internal/rpc"
)

// Kind is one of the three supported type-checker backends.
type Kind string

const (
	KindPyright Kind = "pyright"
	KindTy      Kind = "ty"
	KindPyrefly Kind = "pyrefly"
)

// Command returns the exact argv used to invoke this backend kind, per
// spec.md §4.4.
func (k Kind) Command() []string {
	switch k {
	case KindPyright:
		return []string{"pyright-langserver", "--stdio"}
	case KindTy:
		return []string{"ty", "server"}
	case KindPyrefly:
		return []string{"pyrefly", "lsp"}
	default:
		return nil
	}
}

// ParseKind validates a backend kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPyright, KindTy, KindPyrefly:
		return Kind(s), nil
	default:
		return "", errors.Errorf("unknown backend kind %q (want pyright|ty|pyrefly)", s)
	}
}

// Shutdown timeouts (spec.md §4.4, §5).
var (
	ShutdownResponseTimeout = 2 * time.Second
	ExitGraceTimeout        = 2 * time.Second
)

// Frame pairs a parsed envelope with its raw body, tagged with the
// session that produced it, for fan-in onto the proxy's shared inbox.
type Frame struct {
	Session int64
	Env     *rpc.Envelope
	Body    []byte
}

// Process supervises one spawned child. It owns its framing codec; the
// caller reads frames off the child's stdout with ReadFrame and fans
// them into the proxy's shared inbox.
type Process struct {
	Kind      Kind
	VenvPath  string
	Session   int64
	SpawnedAt time.Time

	cmd    *exec.Cmd
	writer *rpc.Writer
	reader *rpc.Reader

	dead atomic.Bool

	Warmup *WarmupState

	// InitResult is the "result" field of this backend's own initialize
	// response, captured by the caller performing the handshake and
	// relayed verbatim to the client for the request that triggered the
	// spawn (spec.md §4.6.1).
	InitResult json.RawMessage

	log *logrus.Entry
}

// Spawn starts the child process, extending its environment with
// VIRTUAL_ENV and a PATH prefixed by <venvPath>/bin, per spec.md §4.4.
// The child inherits no other environment mutation from the proxy.
func Spawn(kind Kind, venvPath string, session int64, warmupTimeout time.Duration, log *logrus.Entry) (*Process, error) {
	argv := kind.Command()
	if len(argv) == 0 {
		return nil, errors.Errorf("backend: no command for kind %q", kind)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = extendEnv(os.Environ(), venvPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "backend: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "backend: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "backend: stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "backend: start")
	}

	p := &Process{
		Kind:      kind,
		VenvPath:  venvPath,
		Session:   session,
		SpawnedAt: time.Now(),
		cmd:       cmd,
		writer:    rpc.NewWriter(stdin),
		reader:    rpc.NewReader(stdout),
		Warmup:    NewWarmupState(warmupTimeout),
		log:       log.WithField("session", session).WithField("venv", venvPath),
	}

	go p.forwardStderr(stderr)

	return p, nil
}

// extendEnv returns a copy of base with VIRTUAL_ENV set and PATH
// prefixed by <venvPath>/bin, leaving everything else untouched.
func extendEnv(base []string, venvPath string) []string {
	out := make([]string, 0, len(base)+2)
	binDir := venvPath + string(os.PathSeparator) + "bin"
	sawPath := false
	for _, kv := range base {
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			out = append(out, fmt.Sprintf("PATH=%s%c%s", binDir, os.PathListSeparator, strings.TrimPrefix(kv, "PATH=")))
			sawPath = true
			continue
		}
		out = append(out, kv)
	}
	if !sawPath {
		out = append(out, "PATH="+binDir)
	}
	out = append(out, "VIRTUAL_ENV="+venvPath)
	return out
}

// forwardStderr scans the child's stderr and logs each line at debug,
// tagged with this backend's venv/session so multiple backends' stderr
// streams stay distinguishable in one log file (SPEC_FULL.md §3).
func (p *Process) forwardStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.Debug(scanner.Text())
	}
}

// ReadFrame reads the next frame from the child's stdout. Callers treat
// any error (including io.EOF) as a crash signal, since a type-checker
// child is not expected to half-close its stdout deliberately.
func (p *Process) ReadFrame() ([]byte, *rpc.Envelope, error) {
	body, err := p.reader.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	env, err := rpc.ParseEnvelope(body)
	if err != nil {
		return nil, nil, err
	}
	return body, env, nil
}

// WriteFrame writes a frame to the child's stdin, preserving per-backend
// FIFO ordering (spec.md §5) since Writer serializes under its own lock.
func (p *Process) WriteFrame(body []byte) error {
	if p.dead.Load() {
		return errors.New("backend: process is dead")
	}
	return p.writer.WriteFrame(body)
}

// MarkDead records that this process has been observed to have exited
// or become unusable.
func (p *Process) MarkDead() { p.dead.Store(true) }

// IsDead reports whether MarkDead has been called.
func (p *Process) IsDead() bool { return p.dead.Load() }

// Wait blocks until the child exits and returns its exit error, if any.
func (p *Process) Wait() error { return p.cmd.Wait() }

// Shutdown performs the shutdown/exit/force-kill handshake described in
// spec.md §4.4. It sends "shutdown", waits up to ShutdownResponseTimeout
// for any response frame on respCh (the caller routes the matching
// response there), sends "exit", then waits up to ExitGraceTimeout for
// the child to exit before force-killing it. Stdin is not closed here;
// the pipe is released only once Wait sees the child exit.
func (p *Process) Shutdown(shutdownID int64, respCh <-chan struct{}) error {
	reqBody, err := rpc.NewRequest(shutdownID, "shutdown", nil)
	if err != nil {
		return errors.Wrap(err, "backend: build shutdown request")
	}
	if err := p.WriteFrame(reqBody); err != nil {
		return errors.Wrap(err, "backend: send shutdown")
	}

	select {
	case <-respCh:
	case <-time.After(ShutdownResponseTimeout):
		p.log.Warn("shutdown response timed out")
	}

	exitBody, err := rpc.NewNotification("exit", nil)
	if err != nil {
		return errors.Wrap(err, "backend: build exit notification")
	}
	if err := p.WriteFrame(exitBody); err != nil {
		return errors.Wrap(err, "backend: send exit")
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(ExitGraceTimeout):
		p.log.Warn("exit grace period elapsed, force-killing")
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-done
		return nil
	}
}

// Kill immediately terminates the child process without the graceful
// handshake, used when a spawn/handshake step itself has failed.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
