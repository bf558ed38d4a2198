package mpy

import "fmt"

// Known device OSError codes, translated to human-readable messages.
// Mirrors the original tool's CmdError._OSERROR_MESSAGES table.
const (
	ENOENT = 2
	EACCES = 13
	EEXIST = 17
	ENODEV = 19
	EISDIR = 21
	EINVAL = 22
	ENOSPC = 28
	EROFS  = 30
	ETIMEDOUT     = 110
	EHOSTUNREACH  = 113
	EIO           = 5
)

var osErrorMessages = map[int]string{
	ENOENT:       "No such file or directory",
	EACCES:       "Permission denied",
	EEXIST:       "File exists",
	ENODEV:       "No such device",
	EISDIR:       "Is a directory",
	EINVAL:       "Invalid argument",
	ENOSPC:       "No space left on device",
	EROFS:        "Read-only filesystem",
	ETIMEDOUT:    "Connection timed out",
	EHOSTUNREACH: "No route to host",
}

// friendlyErrno renders a known device errno as a human-readable string,
// or "" if the code isn't in the known table.
func friendlyErrno(code int) string {
	if msg, ok := osErrorMessages[code]; ok {
		return fmt.Sprintf("OSError: %s (errno %d)", msg, code)
	}
	return ""
}

// ConnectError means the link could not be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Timeout means a blocking read exceeded its budget. The transport buffer
// is left intact; Pending carries whatever bytes had arrived so far.
type Timeout struct {
	Pending []byte
}

func (e *Timeout) Error() string {
	if len(e.Pending) > 0 {
		return fmt.Sprintf("timeout, received so far: %q", e.Pending)
	}
	return "timeout, no data received"
}

// ProtocolError signals a framing violation: unexpected prompt, malformed
// raw-paste header, malformed VFS response, or unrecoverable REPL state.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// ExecError reports a device-side exception raised while executing code.
type ExecError struct {
	Cmd    string
	Stdout []byte
	Stderr []byte
}

func (e *ExecError) Error() string {
	if friendly := extractFriendlyOSError(string(e.Stderr)); friendly != "" {
		return friendly
	}
	msg := fmt.Sprintf("command:\n  %s\n", e.Cmd)
	if len(e.Stdout) > 0 {
		msg += fmt.Sprintf("result:\n  %s\n", e.Stdout)
	}
	if len(e.Stderr) > 0 {
		msg += fmt.Sprintf("error:\n  %s", e.Stderr)
	}
	return msg
}

// extractFriendlyOSError scans stderr text for "OSError: <code>" without a
// regex engine, per the design notes' dedicated-scanner guidance.
func extractFriendlyOSError(stderr string) string {
	const prefix = "OSError: "
	idx := indexOf(stderr, prefix)
	if idx < 0 {
		return ""
	}
	rest := stderr[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return ""
	}
	code := 0
	for _, c := range rest[:end] {
		code = code*10 + int(c-'0')
	}
	return friendlyErrno(code)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// PathNotFound, FileNotFound, DirNotFound are typed path failures derived
// from on-device errno 2 when the caller's intent (file vs dir) is known.
type PathNotFound struct{ Path string }

func (e *PathNotFound) Error() string { return fmt.Sprintf("path %q was not found", e.Path) }

type FileNotFound struct{ Path string }

func (e *FileNotFound) Error() string { return fmt.Sprintf("file %q was not found", e.Path) }

type DirNotFound struct{ Path string }

func (e *DirNotFound) Error() string { return fmt.Sprintf("dir %q was not found", e.Path) }

// ParamsError means the caller's arguments violate a semantic invariant:
// multiple sources with a non-directory destination, a non-absolute mount
// point, a nested mount, etc.
type ParamsError struct{ Msg string }

func (e *ParamsError) Error() string { return e.Msg }

func newParamsError(format string, args ...any) *ParamsError {
	return &ParamsError{Msg: fmt.Sprintf(format, args...)}
}

// ErrBusy is returned by Router.WriteRaw while a VFS handler dispatch is in
// flight: the router serialises handler transactions against host writes.
var ErrBusy = fmt.Errorf("mpy: link busy, VFS transaction in progress")
