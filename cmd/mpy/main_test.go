package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
	"github.com/pavelrevak/mpytool-sub000/mpy"
)

func TestRunParsesPortFromFlagAndEnv(t *testing.T) {
	mocked := func(cfg mpy.SerialConfig, log logging.Logger) (*mpy.SerialTransport, error) {
		return nil, errors.New(cfg.Port)
	}
	prev := dialSerial
	dialSerial = mocked
	defer func() { dialSerial = prev }()

	buf := &strings.Builder{}
	getenv := func(key string) string {
		if key == "MPY_PORT" {
			return "/dev/env-port"
		}
		return ""
	}

	err := run([]string{"--port", "/dev/flag-port"}, buf, getenv)
	if err == nil || !strings.Contains(err.Error(), "/dev/flag-port") {
		t.Fatalf("expected dial to receive flag port, got %v", err)
	}

	err = run(nil, buf, getenv)
	if err == nil || !strings.Contains(err.Error(), "/dev/env-port") {
		t.Fatalf("expected dial to receive env port, got %v", err)
	}
}

func TestRunUsesTCPWhenAddrGiven(t *testing.T) {
	mocked := func(addr string, timeout time.Duration, log logging.Logger) (*mpy.TCPTransport, error) {
		return nil, errors.New(addr)
	}
	prev := dialTCP
	dialTCP = mocked
	defer func() { dialTCP = prev }()

	err := run([]string{"--tcp", "host:1234"}, &strings.Builder{}, func(string) string { return "" })
	if err == nil || !strings.Contains(err.Error(), "host:1234") {
		t.Fatalf("expected TCP dial to receive given address, got %v", err)
	}
}

func TestRunHandlesDialError(t *testing.T) {
	mocked := func(cfg mpy.SerialConfig, log logging.Logger) (*mpy.SerialTransport, error) {
		return nil, errors.New("dial failed")
	}
	prev := dialSerial
	dialSerial = mocked
	defer func() { dialSerial = prev }()

	if err := run(nil, &strings.Builder{}, func(string) string { return "" }); err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected dial error, got %v", err)
	}
}
