package mpy

import (
	"testing"
	"time"
)

// scriptedTransport is a fake Transport whose responder function decides
// what bytes to hand back in reaction to each write, letting tests model
// a device's side of the REPL/raw-paste protocol without real I/O.
type scriptedTransport struct {
	pending  []byte
	respond  func(written []byte) []byte
	writeLog []byte
	closed   bool
}

func (s *scriptedTransport) HasData(timeout time.Duration) bool { return len(s.pending) > 0 }

func (s *scriptedTransport) ReadAvailable() ([]byte, error) {
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *scriptedTransport) WriteRaw(p []byte) (int, error) {
	s.writeLog = append(s.writeLog, p...)
	if s.respond != nil {
		s.pending = append(s.pending, s.respond(p)...)
	}
	return len(p), nil
}

func (s *scriptedTransport) Close() error { s.closed = true; return nil }

func newTestREPL(respond func([]byte) []byte) (*REPL, *scriptedTransport) {
	tr := &scriptedTransport{respond: respond}
	link := NewLink(tr, nil)
	return NewREPL(link, nil), tr
}

func TestEnterAndExitRawREPL(t *testing.T) {
	r, _ := newTestREPL(func(written []byte) []byte {
		switch {
		case len(written) == 1 && written[0] == ctrlC:
			return []byte("\r\n>>> ")
		case len(written) == 1 && written[0] == ctrlA:
			return []byte("\r\n>")
		case len(written) == 1 && written[0] == ctrlB:
			return []byte("\r\n>>> ")
		}
		return nil
	})
	if err := r.EnterRawREPL(3); err != nil {
		t.Fatalf("EnterRawREPL: %v", err)
	}
	if !r.rawMode {
		t.Fatal("expected rawMode true after EnterRawREPL")
	}
	if err := r.ExitRawREPL(); err != nil {
		t.Fatalf("ExitRawREPL: %v", err)
	}
	if r.rawMode {
		t.Fatal("expected rawMode false after ExitRawREPL")
	}
}

func TestExecHappyPath(t *testing.T) {
	r, _ := newTestREPL(func(written []byte) []byte {
		switch {
		case len(written) == 1 && written[0] == ctrlC:
			return []byte("\r\n>>> ")
		case len(written) == 1 && written[0] == ctrlA:
			return []byte("\r\n>")
		case len(written) == 1 && written[0] == ctrlD:
			return append([]byte("OK42"), ctrlD, ctrlD, '>')
		}
		return nil
	})
	out, err := r.Exec("print(42)", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(out) != "42" {
		t.Fatalf("got %q", out)
	}
}

func TestExecSurfacesStderrAsExecError(t *testing.T) {
	r, _ := newTestREPL(func(written []byte) []byte {
		switch {
		case len(written) == 1 && written[0] == ctrlC:
			return []byte("\r\n>>> ")
		case len(written) == 1 && written[0] == ctrlA:
			return []byte("\r\n>")
		case len(written) == 1 && written[0] == ctrlD:
			out := append([]byte("OK"), ctrlD)
			out = append(out, []byte("OSError: 2")...)
			out = append(out, ctrlD, '>')
			return out
		}
		return nil
	})
	_, err := r.Exec("open('/nope')", time.Second)
	execErr, ok := err.(*ExecError)
	if !ok {
		t.Fatalf("expected *ExecError, got %T: %v", err, err)
	}
	if execErr.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestStopCurrentOperationEscalates(t *testing.T) {
	attempts := 0
	r, _ := newTestREPL(func(written []byte) []byte {
		attempts++
		if attempts >= 3 {
			return []byte("\r\n>>> ")
		}
		return nil
	})
	if !r.StopCurrentOperation() {
		t.Fatal("expected StopCurrentOperation to eventually succeed")
	}
}
