package mpy

import (
	"time"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
)

// Escape-frame protocol constants, grounded on mount.py's ConnIntercept:
// an in-band 0x18 byte introduces a three-byte frame (command, mount id)
// addressed to the VFS Handler registered for that mount, rather than the
// REPL stream.
const (
	escapeByte byte = 0x18
	cmdMin     byte = 1
	cmdMax     byte = 8
)

// Handler processes a dispatched VFS command. It is given the raw link
// the Router itself decorates, so its reads bypass escape-scanning
// entirely and cannot deadlock against the Router.
type Handler interface {
	Dispatch(cmd byte) error
}

// RemountFunc is invoked once the Router observes a soft reboot followed
// by a fresh REPL prompt, giving the VFS layer a chance to reinstall its
// device-side agent(s).
type RemountFunc func()

const (
	softRebootWindow = 256
	softRebootKeep   = 64
)

var softRebootMarker = []byte("soft reboot")
var replPromptMarker = []byte(">>> ")

// Router decorates a raw Transport, scanning outbound-to-host bytes for
// escape frames and dispatching them to the Handler registered for the
// frame's mount id (MID) while gating ordinary writes during the
// transaction. It also watches the byte stream for a soft-reboot-then-
// prompt sequence to trigger RemountFunc.
//
// Router implements Transport, so the REPL engine's Link can wrap it
// exactly as it would wrap a raw transport.
type Router struct {
	raw       Transport
	handlerLk *Link // link over the SAME raw transport, used only by Handler.Dispatch
	handlers  map[byte]Handler
	remount   RemountFunc
	log       logging.Logger

	busy    bool
	pending []byte // partial escape sequence awaiting more bytes
	window  []byte // rolling soft-reboot detection buffer
	sawBoot bool
}

// NewRouter wraps raw with escape-frame dispatch. No mount handlers are
// registered until RegisterHandler is called (e.g. once a VFS mount
// succeeds).
func NewRouter(raw Transport, remount RemountFunc, log logging.Logger) *Router {
	if log == nil {
		log = logging.Default()
	}
	return &Router{
		raw:       raw,
		handlerLk: NewLink(raw, log),
		handlers:  make(map[byte]Handler),
		remount:   remount,
		log:       log,
	}
}

// RegisterHandler installs the VFS handler serving the mount identified
// by mid, e.g. once Device.Mount installs a fresh device-side agent.
func (r *Router) RegisterHandler(mid byte, h Handler) { r.handlers[mid] = h }

// UnregisterHandler removes the handler for mid, e.g. after Unmount or a
// soft reboot invalidates the device-side agent.
func (r *Router) UnregisterHandler(mid byte) { delete(r.handlers, mid) }

// HandlerLink returns the Link a Handler must use to read/write its frame
// payloads: it reads directly from the raw transport, bypassing escape
// scanning, so a Handler.Dispatch call can never recurse into the Router
// that invoked it.
func (r *Router) HandlerLink() *Link { return r.handlerLk }

// Busy reports whether a VFS transaction is currently gating writes.
func (r *Router) Busy() bool { return r.busy }

func (r *Router) HasData(timeout time.Duration) bool { return r.raw.HasData(timeout) }

// ReadAvailable pulls raw bytes and scans them for escape frames,
// dispatching any it finds and returning only the REPL-stream bytes
// that remain.
func (r *Router) ReadAvailable() ([]byte, error) {
	raw, err := r.raw.ReadAvailable()
	if err != nil {
		return nil, err
	}
	return r.scan(raw)
}

func (r *Router) scan(data []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(data) {
		if len(r.pending) == 0 && data[i] != escapeByte {
			out = append(out, data[i])
			r.feedRebootWindow(data[i])
			i++
			continue
		}
		r.pending = append(r.pending, data[i])
		i++
		if len(r.pending) < 3 {
			continue
		}
		cmd := r.pending[1]
		mid := r.pending[2]
		r.pending = nil
		handler, registered := r.handlers[mid]
		if cmd < cmdMin || cmd > cmdMax || !registered {
			// Not a dispatchable frame: treat the three bytes as literal
			// stream data rather than silently dropping them.
			out = append(out, escapeByte, cmd, mid)
			r.feedRebootWindow(escapeByte)
			r.feedRebootWindow(cmd)
			r.feedRebootWindow(mid)
			continue
		}
		// Everything pulled after the three-byte header belongs to the
		// handler's response framing, not the REPL stream: hand it to the
		// handler's own link buffer before dispatching, so Dispatch reads
		// it directly instead of racing a second raw read against bytes
		// already sitting in this batch.
		r.handlerLk.buf = append(r.handlerLk.buf, data[i:]...)
		if err := r.dispatch(handler, cmd); err != nil {
			return out, err
		}
		// Whatever the handler didn't consume is scanned again, so it
		// resumes as REPL-stream data and any further frame in it is
		// dispatched too.
		rest, err := r.scan(r.handlerLk.Flush())
		return append(out, rest...), err
	}
	return out, nil
}

func (r *Router) dispatch(handler Handler, cmd byte) error {
	r.busy = true
	defer func() { r.busy = false }()
	if _, err := r.raw.WriteRaw([]byte{escapeByte}); err != nil {
		return err
	}
	return handler.Dispatch(cmd)
}

func (r *Router) feedRebootWindow(b byte) {
	r.window = append(r.window, b)
	if len(r.window) > softRebootWindow {
		r.window = r.window[len(r.window)-softRebootKeep:]
	}
	if !r.sawBoot && indexBytes(r.window, softRebootMarker) >= 0 {
		r.sawBoot = true
		r.window = nil
		return
	}
	if r.sawBoot && indexBytes(r.window, replPromptMarker) >= 0 {
		r.sawBoot = false
		r.window = nil
		if r.remount != nil {
			r.remount()
		}
	}
}

// WriteRaw rejects writes while a VFS transaction is in flight: the
// device cannot distinguish REPL input from an overlapping escape-frame
// response on its single input stream.
func (r *Router) WriteRaw(p []byte) (int, error) {
	if r.busy {
		return 0, ErrBusy
	}
	return r.raw.WriteRaw(p)
}

func (r *Router) Close() error { return r.raw.Close() }
