package link

import (
	"errors"
	"net"
	"os"
)

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrClosed       = errors.New("link: channel closed")
)

// ExchangeError reports a failed send or receive. The connection has already
// been dropped and the reconnect job re-armed when it is returned.
type ExchangeError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *ExchangeError) Error() string {
	return "link: " + e.Op + ": " + e.Err.Error()
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the exchange gave up because the I/O deadline passed.
func (e *ExchangeError) Timeout() bool {
	if errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}
