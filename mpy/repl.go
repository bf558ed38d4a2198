package mpy

import (
	"time"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
)

// Control bytes and prompts, grounded on mpy_comm.py.
const (
	ctrlA byte = 0x01 // enter raw REPL
	ctrlB byte = 0x02 // exit raw REPL / interrupt alt
	ctrlC byte = 0x03 // interrupt running code
	ctrlD byte = 0x04 // execute / soft reset / end paste
	ctrlE byte = 0x05 // enter raw-paste
)

var (
	friendlyPromptMarker = []byte("\r\n>>> ")
	rawPromptMarker      = []byte("\r\n>")
	softRebootMarkerFull = []byte("soft reboot")
)

var rawPasteEnter = []byte{ctrlE, 'A', ctrlA}

const rawPasteAck = 0x01

// REPL drives the prompt/raw/raw-paste state machine over a Link.
type REPL struct {
	link            *Link
	log             logging.Logger
	rawMode         bool
	rawPasteSupport *bool // nil = unknown, probed lazily
}

// NewREPL builds a REPL engine over link.
func NewREPL(link *Link, log logging.Logger) *REPL {
	if log == nil {
		log = logging.Default()
	}
	return &REPL{link: link, log: log}
}

// StopCurrentOperation interrupts whatever is running on the device and
// waits for a friendly prompt, mirroring mpy_comm.py's escalating
// interrupt sequence: CTRL-C twice, then CTRL-B once every third
// attempt, and from the fifth attempt on also send the VFS escape byte
// in case a stuck handler is holding the line.
func (r *REPL) StopCurrentOperation() bool {
	for attempt := 0; attempt < 15; attempt++ {
		if attempt%3 == 2 {
			_ = r.link.Write([]byte{ctrlB})
		} else {
			_ = r.link.Write([]byte{ctrlC})
		}
		if attempt >= 4 {
			_ = r.link.Write([]byte{escapeByte})
		}
		if _, err := r.link.ReadUntil(friendlyPromptMarker, 200*time.Millisecond); err == nil {
			r.rawMode = false
			return true
		}
	}
	r.log.Warn("failed to stop current operation after repeated interrupts")
	return false
}

// EnterRawREPL puts the device into raw REPL mode, retrying
// StopCurrentOperation up to maxRetries times first.
func (r *REPL) EnterRawREPL(maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var stopped bool
	for i := 0; i < maxRetries && !stopped; i++ {
		stopped = r.StopCurrentOperation()
	}
	if !stopped {
		return newProtocolError("could not stop current operation to enter raw REPL")
	}
	if err := r.link.Write([]byte{ctrlA}); err != nil {
		return err
	}
	if _, err := r.link.ReadUntil(rawPromptMarker, 2*time.Second); err != nil {
		return newProtocolError("timed out entering raw REPL: %v", err)
	}
	r.rawMode = true
	return nil
}

// ExitRawREPL leaves raw REPL mode, returning to the friendly prompt.
func (r *REPL) ExitRawREPL() error {
	if err := r.link.Write([]byte{ctrlB}); err != nil {
		return err
	}
	if _, err := r.link.ReadUntil(friendlyPromptMarker, 2*time.Second); err != nil {
		return newProtocolError("timed out exiting raw REPL: %v", err)
	}
	r.rawMode = false
	return nil
}

// SoftReset triggers a device soft reboot with Ctrl-D at the friendly
// prompt (leaving raw REPL first if needed) and waits for it to finish.
// The raw-paste capability is forgotten and probed again on next use.
func (r *REPL) SoftReset() error {
	if r.rawMode {
		if err := r.ExitRawREPL(); err != nil {
			return err
		}
	}
	if err := r.link.Write([]byte{ctrlD}); err != nil {
		return err
	}
	if _, err := r.link.ReadUntil(softRebootMarkerFull, 5*time.Second); err != nil {
		return newProtocolError("timed out waiting for soft reboot: %v", err)
	}
	r.rawMode = false
	r.rawPasteSupport = nil
	if _, err := r.link.ReadUntil(friendlyPromptMarker, 2*time.Second); err != nil {
		return newProtocolError("no prompt after soft reboot: %v", err)
	}
	return nil
}

// Exec runs command in raw REPL and returns its stdout; a non-empty
// stderr is surfaced as *ExecError. With timeout <= 0 it returns as soon
// as the device acknowledges the command, without reading its output.
func (r *REPL) Exec(command string, timeout time.Duration) ([]byte, error) {
	if !r.rawMode {
		if err := r.EnterRawREPL(3); err != nil {
			return nil, err
		}
	}
	if err := r.link.Write([]byte(command)); err != nil {
		return nil, err
	}
	if err := r.link.Write([]byte{ctrlD}); err != nil {
		return nil, err
	}
	ackWait := timeout
	if timeout <= 0 {
		ackWait = 2 * time.Second
	}
	if _, err := r.link.ReadUntil([]byte("OK"), ackWait); err != nil {
		return nil, newProtocolError("device did not acknowledge exec: %v", err)
	}
	if timeout <= 0 {
		// Output is left unread, so the mode is no longer known; the next
		// call re-enters raw REPL.
		r.rawMode = false
		return nil, nil
	}
	stdout, err := r.link.ReadUntil([]byte{ctrlD}, timeout)
	if err != nil {
		return nil, err
	}
	stderr, err := r.link.ReadUntil(append([]byte{ctrlD}, '>'), timeout)
	if err != nil {
		return nil, err
	}
	if len(stderr) > 0 {
		return stdout, &ExecError{Cmd: command, Stdout: stdout, Stderr: stderr}
	}
	return stdout, nil
}

// ExecEval runs a Python expression via print(repr(expr)) and parses the
// single resulting literal with the package's typed literal parser
// (never a general evaluator).
func (r *REPL) ExecEval(expr string, timeout time.Duration) (any, error) {
	out, err := r.Exec("print(repr("+expr+"))", timeout)
	if err != nil {
		return nil, err
	}
	return parseLiteral(trimNewline(out))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// scanRawPasteHeader scans up to 50 bytes looking for the two-byte
// raw-paste status header "R\x01" (supported) or "R\x00" (unsupported),
// mirroring mpy_comm.py's tolerant scan for boards that echo extra bytes
// before the header.
func (r *REPL) scanRawPasteHeader(timeout time.Duration) (byte, error) {
	first, err := r.link.ReadBytes(1, timeout)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 50; i++ {
		if first[0] != 'R' {
			next, err := r.link.ReadBytes(1, timeout)
			if err != nil {
				return 0, err
			}
			first = next
			continue
		}
		second, err := r.link.ReadBytes(1, timeout)
		if err != nil {
			return 0, err
		}
		if second[0] == 0 || second[0] == 1 {
			return second[0], nil
		}
		first = second
	}
	return 0, newProtocolError("raw-paste header not found within scan window")
}

// ExecRawPaste uploads command via the raw-paste flow-control protocol,
// falling back to plain Exec when the device reports it unsupported.
func (r *REPL) ExecRawPaste(command string, timeout time.Duration) ([]byte, error) {
	if r.rawPasteSupport != nil && !*r.rawPasteSupport {
		return r.Exec(command, timeout)
	}
	if !r.rawMode {
		if err := r.EnterRawREPL(3); err != nil {
			return nil, err
		}
	}
	if err := r.link.Write(rawPasteEnter); err != nil {
		return nil, err
	}
	status, err := r.scanRawPasteHeader(timeout)
	if err != nil {
		return nil, err
	}
	supported := status == 1
	r.rawPasteSupport = &supported
	if !supported {
		return r.Exec(command, timeout)
	}
	windowBytes, err := r.link.ReadBytes(2, timeout)
	if err != nil {
		return nil, err
	}
	window := int(windowBytes[0]) | int(windowBytes[1])<<8
	if err := r.sendWithFlowControl([]byte(command), window, timeout); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		// As in Exec: output is left unread and the mode is no longer known.
		r.rawMode = false
		return nil, nil
	}
	stdout, err := r.link.ReadUntil([]byte{ctrlD}, timeout)
	if err != nil {
		return nil, err
	}
	stderr, err := r.link.ReadUntil(append([]byte{ctrlD}, '>'), timeout)
	if err != nil {
		return nil, err
	}
	if len(stderr) > 0 {
		return stdout, &ExecError{Cmd: command, Stdout: stdout, Stderr: stderr}
	}
	return stdout, nil
}

// sendWithFlowControl implements mpy_comm.py's _send_data_with_flow_control:
// the device grants window bytes of credit up front, and every
// rawPasteAck byte it sends back grants another window bytes of credit. A
// CTRL-D from the device mid-send means it aborted early. After the
// host's closing CTRL-D it waits for the device's own CTRL-D, discarding
// any rawPasteAck bytes that arrive before it.
func (r *REPL) sendWithFlowControl(data []byte, window int, timeout time.Duration) error {
	remaining := window
	for len(data) > 0 {
		if remaining == 0 {
			b, err := r.link.ReadBytes(1, timeout)
			if err != nil {
				return err
			}
			switch b[0] {
			case rawPasteAck:
				remaining += window
			case ctrlD:
				_ = r.link.Write([]byte{ctrlD})
				return nil
			default:
				return newProtocolError("unexpected flow-control byte %#x", b[0])
			}
			continue
		}
		n := remaining
		if n > len(data) {
			n = len(data)
		}
		if err := r.link.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		remaining -= n
	}
	if err := r.link.Write([]byte{ctrlD}); err != nil {
		return err
	}
	_, err := r.link.ReadUntil([]byte{ctrlD}, timeout)
	return err
}

// TryRawPaste attempts ExecRawPaste, falling back to Exec for any device
// that has already signaled it lacks raw-paste support.
func (r *REPL) TryRawPaste(command string, timeout time.Duration) ([]byte, error) {
	if r.rawPasteSupport != nil && !*r.rawPasteSupport {
		return r.Exec(command, timeout)
	}
	out, err := r.ExecRawPaste(command, timeout)
	if err != nil {
		if _, ok := err.(*ProtocolError); ok {
			supported := false
			r.rawPasteSupport = &supported
			return r.Exec(command, timeout)
		}
		return nil, err
	}
	return out, nil
}
