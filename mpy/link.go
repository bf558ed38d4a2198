package mpy

import (
	"time"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
)

// Link buffers bytes pulled from a Transport and exposes the blocking
// read primitives the REPL engine and VFS handlers are built on. Timeouts
// reset on every byte received, not on the total wait, so a slow but live
// device never spuriously times out (mirrors conn.py's read_until/
// read_bytes).
//
// A Link is single-owner: it is never safe for concurrent use from more
// than one goroutine, matching the cooperative, single-threaded protocol
// this package drives.
type Link struct {
	transport Transport
	buf       []byte
	log       logging.Logger
}

// NewLink wraps transport with buffered blocking-read primitives.
func NewLink(transport Transport, log logging.Logger) *Link {
	if log == nil {
		log = logging.Default()
	}
	return &Link{transport: transport, log: log}
}

// Busy reports whether the wrapped transport is a Router with a VFS
// transaction currently in flight.
func (l *Link) Busy() bool {
	if r, ok := l.transport.(*Router); ok {
		return r.Busy()
	}
	return false
}

// Flush discards and returns whatever is currently buffered.
func (l *Link) Flush() []byte {
	out := l.buf
	l.buf = nil
	return out
}

func (l *Link) fillOnce(wait time.Duration) (bool, error) {
	if !l.transport.HasData(wait) {
		return false, nil
	}
	data, err := l.transport.ReadAvailable()
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	l.buf = append(l.buf, data...)
	return true, nil
}

// ReadBytes reads exactly count bytes, blocking until they arrive or the
// timeout elapses. timeout <= 0 means wait forever.
func (l *Link) ReadBytes(count int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for len(l.buf) < count {
		got, err := l.fillOnce(time.Millisecond)
		if err != nil {
			return nil, err
		}
		if got {
			deadline = time.Now().Add(timeout)
			continue
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, &Timeout{Pending: append([]byte(nil), l.buf...)}
		}
	}
	data := l.buf[:count]
	l.buf = l.buf[count:]
	return data, nil
}

// ReadUntil reads until end is found in the stream. On success the
// delimiter is consumed; bytes before it are returned; bytes after it
// remain buffered for the next call.
func (l *Link) ReadUntil(end []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if idx := indexBytes(l.buf, end); idx >= 0 {
			data := l.buf[:idx]
			l.buf = l.buf[idx+len(end):]
			return data, nil
		}
		got, err := l.fillOnce(time.Millisecond)
		if err != nil {
			return nil, err
		}
		if got {
			deadline = time.Now().Add(timeout)
			continue
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, &Timeout{Pending: append([]byte(nil), l.buf...)}
		}
	}
}

// ReadLine reads a single line, stripping a trailing \r.
func (l *Link) ReadLine(timeout time.Duration) ([]byte, error) {
	line, err := l.ReadUntil([]byte{'\n'}, timeout)
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

// Write writes data to the transport, looping over short writes.
func (l *Link) Write(data []byte) error {
	for len(data) > 0 {
		n, err := l.transport.WriteRaw(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close releases the underlying transport.
func (l *Link) Close() error { return l.transport.Close() }

func indexBytes(haystack, needle []byte) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
