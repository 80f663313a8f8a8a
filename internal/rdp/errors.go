// Package rdp implements a reliable, connection-oriented byte stream over UDP:
// three-way handshake, cumulative acknowledgment with retransmission, a
// receive-window flow control and FIN/RST teardown. Dial and Listen return
// types implementing net.Conn and net.Listener.
package rdp

import (
	"os"

	"github.com/pkg/errors"
)

var (
	ErrHandshakeFailed     = errors.New("rdp: handshake failed")
	ErrRetransmissionLimit = errors.New("rdp: retransmission limit exceeded")
	ErrConnectionReset     = errors.New("rdp: connection reset by peer")
	ErrConnectionClosing   = errors.New("rdp: use of closing connection")
	ErrListenerClosed      = errors.New("rdp: listener closed")

	// ErrTimeout is returned when a deadline expires. It satisfies net.Error
	// and matches os.ErrDeadlineExceeded; the connection stays usable.
	ErrTimeout error = &timeoutError{}
)

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "rdp: i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func (e *timeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}
