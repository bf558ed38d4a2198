package mpy

import (
	"net"
	"testing"
	"time"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("pong!"))
	}()

	tr, err := DialTCP(ln.Addr().String(), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if _, err := tr.WriteRaw([]byte("ping!")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for len(got) < 5 && time.Now().Before(deadline) {
		if tr.HasData(100 * time.Millisecond) {
			chunk, err := tr.ReadAvailable()
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, chunk...)
		}
	}
	if string(got) != "pong!" {
		t.Fatalf("got %q", got)
	}
	<-serverDone
}

func TestTCPTransportHardResetUnsupported(t *testing.T) {
	tr := &TCPTransport{}
	if err := tr.HardReset(); err == nil {
		t.Fatal("expected HardReset to be unsupported over TCP")
	}
	if err := tr.ResetToBootloader(); err == nil {
		t.Fatal("expected ResetToBootloader to be unsupported over TCP")
	}
}

func TestDialTCPDefaultsPort(t *testing.T) {
	// A connection attempt to a closed local port should fail fast with
	// a *ConnectError, and the port-defaulting logic should not panic on
	// a bare hostname.
	_, err := DialTCP("127.0.0.1", 200*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected connect error to an address with nothing listening")
	}
	ce, ok := err.(*ConnectError)
	if !ok {
		t.Fatalf("expected *ConnectError, got %T", err)
	}
	if ce.Addr != "127.0.0.1:23" {
		t.Fatalf("expected the default port to be appended, got %q", ce.Addr)
	}
}
