package mpy

import (
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
)

// DefaultTCPPort is the conventional MicroPython WebREPL-adjacent raw
// socket port used by conn_socket.py.
const DefaultTCPPort = 23

// TCPTransport drives a device over a plain TCP socket, the transport
// used by boards exposing a network REPL (e.g. over a serial-to-WiFi
// bridge). It implements Transport and Resettable; HardReset and
// ResetToBootloader have no out-of-band signal over TCP and return an
// error, matching conn_socket.py's default NotImplementedError behavior.
type TCPTransport struct {
	addr    string
	conn    net.Conn
	log     logging.Logger
	pending []byte // single-byte lookahead stashed by HasData
}

// DialTCP connects to addr (host:port, port defaults to DefaultTCPPort if
// omitted).
func DialTCP(addr string, timeout time.Duration, log logging.Logger) (*TCPTransport, error) {
	if log == nil {
		log = logging.Default()
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "23")
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return &TCPTransport{addr: addr, conn: conn, log: log.With(logging.Field{Key: "addr", Value: addr})}, nil
}

func (t *TCPTransport) HasData(timeout time.Duration) bool {
	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1)
	n, err := t.conn.Read(buf)
	if err != nil || n == 0 {
		return false
	}
	t.pending = append(t.pending, buf[:n]...)
	return true
}

func (t *TCPTransport) ReadAvailable() ([]byte, error) {
	out := t.pending
	t.pending = nil
	_ = t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n < len(buf) {
			break
		}
	}
	return out, nil
}

func (t *TCPTransport) WriteRaw(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

func (t *TCPTransport) HardReset() error {
	return newProtocolError("hard reset is not supported over a TCP transport")
}

func (t *TCPTransport) ResetToBootloader() error {
	return newProtocolError("bootloader reset is not supported over a TCP transport")
}

// Reconnect closes and redials the socket, retrying with exponential
// backoff until timeout elapses.
func (t *TCPTransport) Reconnect(timeout time.Duration) error {
	_ = t.conn.Close()
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		conn, err := net.DialTimeout("tcp", t.addr, 5*time.Second)
		if err != nil {
			t.log.Warn("reconnect attempt failed", logging.Field{Key: "err", Value: err})
			return err
		}
		t.conn = conn
		return nil
	}, b)
}
