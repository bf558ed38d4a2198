package mpy

import (
	"testing"
	"time"
)

// staticTransport hands back exactly the bytes queued into it and
// records every write.
type staticTransport struct {
	queue []byte
	wrote []byte
}

func (s *staticTransport) HasData(timeout time.Duration) bool { return len(s.queue) > 0 }

func (s *staticTransport) ReadAvailable() ([]byte, error) {
	out := s.queue
	s.queue = nil
	return out, nil
}

func (s *staticTransport) WriteRaw(p []byte) (int, error) {
	s.wrote = append(s.wrote, p...)
	return len(p), nil
}

func (s *staticTransport) Close() error { return nil }

type countingHandler struct {
	calls []byte
}

func (h *countingHandler) Dispatch(cmd byte) error {
	h.calls = append(h.calls, cmd)
	return nil
}

const testMID byte = 7

func TestRouterPassesThroughPlainBytes(t *testing.T) {
	raw := &staticTransport{queue: []byte("hello\r\n>>> ")}
	router := NewRouter(raw, nil, nil)
	out, err := router.ReadAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello\r\n>>> " {
		t.Fatalf("got %q", out)
	}
}

func TestRouterDispatchesEscapeFrame(t *testing.T) {
	h := &countingHandler{}
	raw := &staticTransport{queue: []byte{'a', escapeByte, CmdStat, testMID, 'b'}}
	router := NewRouter(raw, nil, nil)
	router.RegisterHandler(testMID, h)
	out, err := router.ReadAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if len(h.calls) != 1 || h.calls[0] != CmdStat {
		t.Fatalf("expected one CmdStat dispatch, got %#v", h.calls)
	}
	// The escape ack byte must have been written back to the device.
	if len(raw.wrote) == 0 || raw.wrote[0] != escapeByte {
		t.Fatalf("expected escape ack write, got %#v", raw.wrote)
	}
	// The full 3-byte frame (escape, cmd, mid) is stripped from the
	// stream; 'a' and 'b' resume as REPL-stream data around it.
	if string(out) != "ab" {
		t.Fatalf("got %q", out)
	}
}

func TestRouterUnregisteredMIDPassesThroughFrame(t *testing.T) {
	raw := &staticTransport{queue: []byte{escapeByte, CmdStat, 0x42}}
	router := NewRouter(raw, nil, nil)
	out, err := router.ReadAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0] != escapeByte || out[1] != CmdStat || out[2] != 0x42 {
		t.Fatalf("expected the full unhandled frame to pass through, got %#v", out)
	}
}

func TestRouterRoutesByMountID(t *testing.T) {
	h1 := &countingHandler{}
	h2 := &countingHandler{}
	raw := &staticTransport{queue: []byte{escapeByte, CmdOpen, 2}}
	router := NewRouter(raw, nil, nil)
	router.RegisterHandler(1, h1)
	router.RegisterHandler(2, h2)
	if _, err := router.ReadAvailable(); err != nil {
		t.Fatal(err)
	}
	if len(h1.calls) != 0 {
		t.Fatalf("handler for mid 1 should not have been called, got %#v", h1.calls)
	}
	if len(h2.calls) != 1 || h2.calls[0] != CmdOpen {
		t.Fatalf("expected handler for mid 2 to receive CmdOpen, got %#v", h2.calls)
	}
}

func TestRouterRejectsWriteWhileBusy(t *testing.T) {
	router := NewRouter(&staticTransport{}, nil, nil)
	router.busy = true
	if _, err := router.WriteRaw([]byte("x")); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestRouterInvalidCommandTreatedAsLiteralBytes(t *testing.T) {
	raw := &staticTransport{queue: []byte{escapeByte, 0xFF, testMID}}
	router := NewRouter(raw, nil, nil)
	router.RegisterHandler(testMID, &countingHandler{})
	out, err := router.ReadAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0] != escapeByte || out[1] != 0xFF || out[2] != testMID {
		t.Fatalf("got %#v", out)
	}
}

func TestRouterDetectsSoftRebootAndFiresRemount(t *testing.T) {
	fired := false
	raw := &staticTransport{queue: []byte("soft reboot\r\n>>> ")}
	router := NewRouter(raw, func() { fired = true }, nil)
	if _, err := router.ReadAvailable(); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatal("expected remount callback to fire after soft reboot + prompt")
	}
}
