package mpy

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.bug.st/serial"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
)

// writeChunkSize and writeChunkDelay mirror conn_serial.py's write(data,
// chunk_size=128, delay=0.01): a cheap microcontroller UART buffer can
// overrun a single large write, so writes are split and paced.
const (
	writeChunkSize = 128
	writeChunkDelay = 10 * time.Millisecond
)

// SerialConfig describes how to open a serial transport.
type SerialConfig struct {
	Port     string
	Baud     int
	ReadIdle time.Duration // read timeout set when the port is (re)opened; HasData and ReadAvailable set their own
}

// SerialTransport drives a device over a local serial port. It implements
// both Transport and Resettable: DTR/RTS pulses provide HardReset and
// ResetToBootloader, and Reconnect retries the open with exponential
// backoff via cenkalti/backoff, replacing a hand-rolled retry loop.
type SerialTransport struct {
	cfg     SerialConfig
	port    serial.Port
	log     logging.Logger
	pending []byte // single-byte lookahead stashed by HasData
}

// DialSerial opens cfg.Port at cfg.Baud, 8N1, no flow control.
func DialSerial(cfg SerialConfig, log logging.Logger) (*SerialTransport, error) {
	if log == nil {
		log = logging.Default()
	}
	if cfg.ReadIdle <= 0 {
		cfg.ReadIdle = 20 * time.Millisecond
	}
	mode := &serial.Mode{BaudRate: cfg.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, &ConnectError{Addr: cfg.Port, Err: err}
	}
	_ = port.SetReadTimeout(cfg.ReadIdle)
	return &SerialTransport{cfg: cfg, port: port, log: log.With(logging.Field{Key: "port", Value: cfg.Port})}, nil
}

func (t *SerialTransport) HasData(timeout time.Duration) bool {
	_ = t.port.SetReadTimeout(timeout)
	buf := make([]byte, 1)
	n, err := t.port.Read(buf)
	if err != nil || n == 0 {
		return false
	}
	t.pending = append(t.pending, buf[:n]...)
	return true
}

func (t *SerialTransport) ReadAvailable() ([]byte, error) {
	out := t.pending
	t.pending = nil
	_ = t.port.SetReadTimeout(time.Millisecond)
	buf := make([]byte, 4096)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
		if n < len(buf) {
			break
		}
	}
	return out, nil
}

func (t *SerialTransport) WriteRaw(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		written, err := t.port.Write(p[:n])
		total += written
		if err != nil {
			return total, err
		}
		p = p[n:]
		if len(p) > 0 {
			time.Sleep(writeChunkDelay)
		}
	}
	return total, nil
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

// HardReset pulses DTR low then high, the conventional way to reset a
// dev board's MCU via its USB-serial adapter's auto-reset circuit.
func (t *SerialTransport) HardReset() error {
	if err := t.port.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return t.port.SetDTR(true)
}

// ResetToBootloader pulses RTS alongside DTR, the common convention for
// entering a USB-serial board's bootloader (BOOT0-style strap via RTS).
func (t *SerialTransport) ResetToBootloader() error {
	if err := t.port.SetRTS(true); err != nil {
		return err
	}
	if err := t.port.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := t.port.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return t.port.SetRTS(false)
}

// Reconnect closes and reopens the port, retrying with exponential
// backoff until timeout elapses.
func (t *SerialTransport) Reconnect(timeout time.Duration) error {
	_ = t.port.Close()
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		mode := &serial.Mode{BaudRate: t.cfg.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
		port, err := serial.Open(t.cfg.Port, mode)
		if err != nil {
			t.log.Warn("reconnect attempt failed", logging.Field{Key: "err", Value: err})
			return err
		}
		_ = port.SetReadTimeout(t.cfg.ReadIdle)
		t.port = port
		return nil
	}, b)
}

// ListPorts enumerates serial ports visible to the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
