package terminal

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProbeState is the lifecycle state of a connectivity check.
type ProbeState int

const (
	// StateIdle no probe started
	StateIdle ProbeState = iota
	// StateConnecting dial in flight
	StateConnecting
	// StateConnected terminal reachable
	StateConnected
	// StateTimedOut no response within the probe timeout
	StateTimedOut
	// StateRefused connection rejected at the network level
	StateRefused
)

func (s ProbeState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateRefused:
		return "REFUSED"
	default:
		return "UNKNOWN"
	}
}

// ProbeResult is the terminal state of one probe. A timed-out probe is a
// network problem; a refused probe means the host answered but nothing is
// listening, which usually points at the device rather than the network.
type ProbeResult struct {
	State   ProbeState    `json:"state"`
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Elapsed time.Duration `json:"-"`
}

// Prober verifies that the terminal is reachable. It is a reachability check
// only, not a session: the socket is released in every terminal state,
// including success. The prober never retries; retry policy belongs to the
// caller.
type Prober struct {
	Log *log.Logger
}

// NewProber returns a Prober logging through the given logger.
func NewProber(logger *log.Logger) *Prober {
	return &Prober{Log: logger}
}

// Probe opens a raw connection to ip:port and classifies the result. The
// transaction protocol is never spoken on this socket.
func (p *Prober) Probe(ip string, port int, timeout time.Duration) *ProbeResult {
	address := net.JoinHostPort(ip, strconv.Itoa(port))

	contextLogger := p.Log.WithFields(log.Fields{
		"module": "terminal",
		"call":   "Probe",
		"target": address,
	})

	state := StateConnecting
	contextLogger.Debugf("state %s", state)

	started := time.Now()
	conn, err := net.DialTimeout("tcp", address, timeout)
	elapsed := time.Since(started)

	if err == nil {
		// reachability confirmed, the socket is not kept open
		conn.Close()
		contextLogger.Infof("state %s after %s", StateConnected, elapsed)
		return &ProbeResult{
			State:   StateConnected,
			Success: true,
			Message: fmt.Sprintf("Successfully connected to terminal at %s", address),
			Elapsed: elapsed,
		}
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		contextLogger.Warnf("state %s after %s", StateTimedOut, elapsed)
		return &ProbeResult{
			State:   StateTimedOut,
			Message: fmt.Sprintf("Connection timeout to terminal at %s", address),
			Elapsed: elapsed,
		}
	}

	contextLogger.Warnf("state %s: %s", StateRefused, err)
	return &ProbeResult{
		State:   StateRefused,
		Message: fmt.Sprintf("Connection failed to terminal at %s: %s", address, err),
		Elapsed: elapsed,
	}
}
