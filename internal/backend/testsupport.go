package backend

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/K-dash/typemux-cc/internal/rpc"
)

// NewForTest builds a Process around caller-supplied pipes instead of a
// real child, for exercising the proxy's framing/routing logic without
// an actual type-checker binary on PATH. stdin is what the proxy writes
// to (a test reads the other end to assert on outgoing frames); stdout
// is what the proxy reads from (a test writes fake backend frames into
// the other end).
func NewForTest(kind Kind, venvPath string, session int64, stdin io.Writer, stdout io.Reader, warmupTimeout time.Duration, log *logrus.Entry) *Process {
	return &Process{
		Kind:      kind,
		VenvPath:  venvPath,
		Session:   session,
		SpawnedAt: time.Now(),
		writer:    rpc.NewWriter(stdin),
		reader:    rpc.NewReader(stdout),
		Warmup:    NewWarmupState(warmupTimeout),
		log:       log.WithField("session", session).WithField("venv", venvPath),
	}
}
