package mpy

import (
	"strconv"
	"time"
)

// mountAgentSource is the device-side VFS driver installed into the
// running interpreter via ExecRawPaste, mirrored from mount.py's
// ConnIntercept/MountHandler pairing but hand-rolling the wire framing
// itself: MicroPython's uos module has no _mt_stat/_mt_open/etc, so
// every request/response is built byte-by-byte against sys.stdin.buffer
// / sys.stdout.buffer, matching mount.py's _mt_bg (begin a transaction,
// send the escape header, block for the host's single-byte ACK) and
// _mt_r/_mt_w (blocking fixed-size reads and raw writes) style.
//
// The class is defined once and reused across every mount: _mt_mount
// takes the device-absolute mount point, the mount's MID, and the
// negotiated chunk size as plain call arguments, so installing a second
// mount never needs to re-render this source.
const mountAgentSource = `
import os, sys, micropython

class _MtProto:
    def __init__(self, mid):
        self._mid = mid
    def _r(self, n):
        buf = bytearray(n)
        got = 0
        while got < n:
            chunk = sys.stdin.buffer.read(n - got)
            if not chunk:
                raise OSError(-5)
            buf[got:got + len(chunk)] = chunk
            got += len(chunk)
        return bytes(buf)
    def _ru32(self):
        b = self._r(4)
        return b[0] | (b[1] << 8) | (b[2] << 16) | (b[3] << 24)
    def _ri32(self):
        v = self._ru32()
        return v - 0x100000000 if v >= 0x80000000 else v
    def _ri8(self):
        v = self._r(1)[0]
        return v - 0x100 if v >= 0x80 else v
    def _rstr(self):
        n = self._ru32()
        return self._r(n)
    def _wstr16(self, s):
        data = s.encode() if isinstance(s, str) else s
        n = len(data)
        sys.stdout.buffer.write(bytes((n & 0xff, (n >> 8) & 0xff)))
        sys.stdout.buffer.write(data)
    def _wi8(self, v):
        sys.stdout.buffer.write(bytes((v & 0xff,)))
    def _wu32(self, v):
        sys.stdout.buffer.write(bytes((v & 0xff, (v >> 8) & 0xff, (v >> 16) & 0xff, (v >> 24) & 0xff)))
    def _begin(self, cmd):
        micropython.kbd_intr(-1)
        sys.stdout.buffer.write(bytes((0x18, cmd, self._mid)))
        sys.stdout.flush()
        if self._r(1) != b'\x18':
            micropython.kbd_intr(3)
            raise OSError(-5)
    def _end(self):
        micropython.kbd_intr(3)

class _MtFile:
    def __init__(self, proto, fh, chunk_size):
        self._p = proto
        self._fh = fh
        self._chunk = chunk_size
    def read(self, n=-1):
        if n < 0:
            n = self._chunk
        out = b''
        remaining = n
        while remaining > 0:
            want = remaining if remaining < self._chunk else self._chunk
            p = self._p
            p._begin(5)
            p._wi8(self._fh)
            p._wu32(want)
            length = p._ri32()
            if length < 0:
                p._end()
                raise OSError(length)
            data = p._r(length)
            p._end()
            out += data
            remaining -= len(data)
            if len(data) < want:
                break
        return out
    def readinto(self, b):
        data = self.read(len(b))
        b[:len(data)] = data
        return len(data)
    def readline(self):
        line = b''
        while True:
            c = self.read(1)
            if not c:
                break
            line += c
            if c == b'\n':
                break
        return line
    def write(self, data):
        p = self._p
        p._begin(6)
        p._wi8(self._fh)
        p._wu32(len(data))
        sys.stdout.buffer.write(data)
        err = p._ri8()
        p._end()
        if err != 0:
            raise OSError(err)
        return len(data)
    def ioctl(self, req, arg):
        return 0
    def close(self):
        p = self._p
        p._begin(4)
        p._wi8(self._fh)
        p._end()

class _MtFS:
    def __init__(self, mid, chunk_size):
        self._p = _MtProto(mid)
        self._chunk = chunk_size
        self._cwd = '/'
    def mount(self, readonly, mkfs):
        pass
    def umount(self):
        pass
    def chdir(self, path):
        self._cwd = self._abs(path)
    def getcwd(self):
        return self._cwd
    def _abs(self, path):
        if path.startswith('/'):
            return path
        return self._cwd.rstrip('/') + '/' + path
    def stat(self, path):
        p = self._p
        p._begin(1)
        p._wstr16(self._abs(path))
        err = p._ri8()
        if err != 0:
            p._end()
            raise OSError(err)
        mode = p._ru32()
        size = p._ru32()
        mtime = p._ru32()
        p._end()
        return (mode, 0, 0, 0, 0, 0, size, mtime, mtime, mtime)
    def ilistdir(self, path):
        p = self._p
        p._begin(2)
        p._wstr16(self._abs(path))
        count = p._ri32()
        if count < 0:
            p._end()
            raise OSError(count)
        entries = []
        for _ in range(count):
            name = p._rstr()
            mode = p._ru32()
            entries.append((name.decode(), mode, 0))
        p._end()
        return iter(entries)
    def open(self, path, mode):
        p = self._p
        p._begin(3)
        p._wstr16(self._abs(path))
        p._wstr16(mode)
        fh = p._ri8()
        p._end()
        if fh < 0:
            raise OSError(fh)
        return _MtFile(p, fh, self._chunk)
    def mkdir(self, path):
        p = self._p
        p._begin(7)
        p._wstr16(self._abs(path))
        err = p._ri8()
        p._end()
        if err != 0:
            raise OSError(err)
    def remove(self, path):
        self._doremove(path, 0)
    def rmdir(self, path):
        self._doremove(path, 0)
    def _doremove(self, path, recursive):
        p = self._p
        p._begin(8)
        p._wstr16(self._abs(path))
        p._wi8(recursive)
        err = p._ri8()
        p._end()
        if err != 0:
            raise OSError(err)

def _mt_mount(mp, mid, chunk_size):
    os.mount(_MtFS(mid, chunk_size), mp)
`

// InstallMountAgent uploads the device-side VFS driver (on every call;
// re-running it redefines the same classes) and mounts it at mp with the
// given mount id mid, returning once the interpreter reports success.
func InstallMountAgent(r *REPL, mp string, mid byte, chunkSize int) error {
	if _, err := r.TryRawPaste(mountAgentSource, 5*time.Second); err != nil {
		return newProtocolError("installing mount agent: %v", err)
	}
	call := "_mt_mount(" + strconv.Quote(mp) + ", " + strconv.Itoa(int(mid)) + ", " + strconv.Itoa(chunkSize) + ")"
	if _, err := r.Exec(call, 5*time.Second); err != nil {
		return newProtocolError("mounting VFS agent at %s: %v", mp, err)
	}
	return nil
}
