package mpy

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
)

// VFS command codes, extending mount.py's Phase-1 read-only subset
// (STAT..READ) with the write-side operations this module's contract
// requires.
const (
	CmdStat    byte = 1
	CmdListDir byte = 2
	CmdOpen    byte = 3
	CmdClose   byte = 4
	CmdRead    byte = 5
	CmdWrite   byte = 6
	CmdMkdir   byte = 7
	CmdRemove  byte = 8
)

// Errno values returned on the wire when a request cannot be satisfied;
// negative by convention so a non-negative response always means success.
const (
	wireOK      = 0
	wireErrno2  = -ENOENT
	wireErrno13 = -EACCES
	wireErrno17 = -EEXIST
	wireErrno21 = -EISDIR
	wireErrno30 = -EROFS
	wireErrno5  = -EIO
)

// MountHandler implements Handler, serving VFS requests from the
// device-side mount agent against a real host directory tree. It is
// constructed with the Router's raw handler Link (see Router.HandlerLink),
// so its reads never pass through escape-frame scanning.
//
// root is the resolved, symlink-free base directory every request path is
// confined to; submounts lets additional host directories be overlaid at
// virtual paths under root (see submount.go). readOnly rejects every
// write-shaped request with -EROFS, per the mount's write policy.
type MountHandler struct {
	link     *Link
	root     string
	readOnly bool
	submount *submountTable
	compiler Compiler
	openFH   map[int8]*os.File
	nextFH   int8
	log      logging.Logger
}

// NewMountHandler builds a handler rooted at root (which must already
// exist and be a directory).
func NewMountHandler(link *Link, root string, log logging.Logger) (*MountHandler, error) {
	if log == nil {
		log = logging.Default()
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, newProtocolError("resolving mount root %q: %v", root, err)
	}
	return &MountHandler{
		link:     link,
		root:     resolved,
		submount: newSubmountTable(),
		openFH:   make(map[int8]*os.File),
		nextFH:   1,
		log:      log,
	}, nil
}

// SetReadOnly marks the mount read-only: OPEN rejects any write-shaped
// mode and WRITE/MKDIR/REMOVE all answer -EROFS without touching the
// filesystem.
func (h *MountHandler) SetReadOnly(ro bool) { h.readOnly = ro }

// SetCompiler installs a Compiler used to redirect .py opens to a
// freshly compiled .mpy, per the spec's compile-redirect policy. A nil
// compiler (the default) disables redirection.
func (h *MountHandler) SetCompiler(c Compiler) { h.compiler = c }

// Mount overlays an additional host directory at a virtual path below
// root, synthesizing any intermediate virtual directories.
func (h *MountHandler) Mount(virtualPath, hostDir string) error {
	resolved, err := filepath.EvalSymlinks(hostDir)
	if err != nil {
		return newProtocolError("resolving submount dir %q: %v", hostDir, err)
	}
	return h.submount.add(virtualPath, resolved)
}

// resolvePath mirrors mount.py's MountHandler._resolve_path: strip the
// leading slash, join under root (or a submount's own root if the path
// falls under one), resolve symlinks, and reject anything that escapes
// its base directory.
func (h *MountHandler) resolvePath(reqPath string) (string, error) {
	clean := strings.TrimPrefix(reqPath, "/")
	if base, rel, ok := h.submount.lookup(clean); ok {
		return h.realize(base, rel)
	}
	return h.realize(h.root, clean)
}

func (h *MountHandler) realize(base, rel string) (string, error) {
	joined := filepath.Join(base, rel)
	resolved, err := evalSymlinksTolerant(joined)
	if err != nil {
		return "", newProtocolError("resolve path: %v", err)
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", newProtocolError("path escapes mount root")
	}
	return resolved, nil
}

// evalSymlinksTolerant resolves symlinks in the existing prefix of path,
// allowing the final component to not yet exist (needed for OPEN with
// O_CREAT-style writes and MKDIR).
func evalSymlinksTolerant(path string) (string, error) {
	if _, err := os.Lstat(path); err == nil {
		return filepath.EvalSymlinks(path)
	}
	dir, base := filepath.Split(path)
	resolvedDir, err := filepath.EvalSymlinks(strings.TrimSuffix(dir, string(filepath.Separator)))
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// Dispatch reads and handles a single VFS frame for cmd, grounded on
// mount.py's dispatch table. Unexpected failures never propagate to the
// Router; they are reported on the wire as -EIO.
func (h *MountHandler) Dispatch(cmd byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = h.writeI8(wireErrno5)
		}
	}()
	switch cmd {
	case CmdStat:
		return h.doStat()
	case CmdListDir:
		return h.doListDir()
	case CmdOpen:
		return h.doOpen()
	case CmdClose:
		return h.doClose()
	case CmdRead:
		return h.doRead()
	case CmdWrite:
		return h.doWrite()
	case CmdMkdir:
		return h.doMkdir()
	case CmdRemove:
		return h.doRemove()
	default:
		return newProtocolError("unknown VFS command %d", cmd)
	}
}

func (h *MountHandler) readPath() (string, error) {
	b, err := h.link.ReadBytes(2, 0)
	if err != nil {
		return "", err
	}
	n := int(b[0]) | int(b[1])<<8
	data, err := h.link.ReadBytes(n, 0)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *MountHandler) writeI8(v int) error {
	return h.link.Write([]byte{byte(int8(v))})
}

func (h *MountHandler) writeU32(v uint32) error {
	return h.link.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (h *MountHandler) writeI32(v int32) error {
	return h.writeU32(uint32(v))
}

func (h *MountHandler) writeBytes(data []byte) error {
	if err := h.writeI32(int32(len(data))); err != nil {
		return err
	}
	return h.link.Write(data)
}

func (h *MountHandler) doStat() error {
	path, err := h.readPath()
	if err != nil {
		return err
	}
	resolved, rerr := h.resolvePath(path)
	if len(h.submount.overlayNames(strings.TrimPrefix(path, "/"), nil)) > 0 {
		// An ancestor of a submount answers as a directory even when it
		// does not exist under root; the root's attributes stand in.
		if _, serr := os.Stat(resolved); rerr != nil || serr != nil {
			resolved, rerr = h.root, nil
		}
	}
	if rerr != nil {
		return h.writeI8(wireErrno13)
	}
	resolved = h.maybeRedirectCompile(resolved)
	fi, err := os.Stat(resolved)
	if err != nil {
		return h.writeI8(wireErrno2)
	}
	if err := h.writeI8(wireOK); err != nil {
		return err
	}
	mode := uint32(attrFile)
	if fi.IsDir() {
		mode = attrDir
	}
	if err := h.writeU32(mode); err != nil {
		return err
	}
	if err := h.writeU32(uint32(fi.Size())); err != nil {
		return err
	}
	return h.writeU32(uint32(fi.ModTime().Unix()))
}

func (h *MountHandler) doListDir() error {
	path, err := h.readPath()
	if err != nil {
		return err
	}
	resolved, rerr := h.resolvePath(path)
	// An ancestor of a submount that does not exist under root lists as a
	// virtual directory holding only the submount names below it.
	_, serr := os.Stat(resolved)
	virtual := (rerr != nil || serr != nil) && len(h.submount.overlayNames(strings.TrimPrefix(path, "/"), nil)) > 0
	if rerr != nil && !virtual {
		return h.writeI32(wireErrno13)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil && !virtual {
		return h.writeI32(wireErrno2)
	}
	names := h.submount.overlayNames(strings.TrimPrefix(path, "/"), entries)
	if err := h.writeI32(int32(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		if err := h.writeBytes([]byte(n.name)); err != nil {
			return err
		}
		mode := uint32(attrFile)
		if n.isDir {
			mode = attrDir
		}
		if err := h.writeU32(mode); err != nil {
			return err
		}
	}
	return nil
}

func (h *MountHandler) doOpen() error {
	path, err := h.readPath()
	if err != nil {
		return err
	}
	mode, err := h.readPath() // mode is a second length-prefixed string
	if err != nil {
		return err
	}
	writeRequested := strings.ContainsAny(mode, "wa+x")
	if h.readOnly && writeRequested {
		return h.writeI8(wireErrno30)
	}
	resolved, rerr := h.resolvePath(path)
	if rerr != nil {
		return h.writeI8(wireErrno13)
	}
	resolved = h.maybeRedirectCompile(resolved)
	flag := openFlagForMode(mode)
	f, err := os.OpenFile(resolved, flag, 0o644)
	if err != nil {
		return h.writeI8(wireErrno2)
	}
	// Handles stay in 1..127 (a negative i8 means errno on the wire): the
	// counter wraps back to 1 and skips handles that are still open.
	fh := h.nextFH
	for i := 0; i < 127; i++ {
		if _, used := h.openFH[fh]; !used {
			break
		}
		fh = fh%127 + 1
	}
	if _, used := h.openFH[fh]; used {
		_ = f.Close()
		return h.writeI8(wireErrno5)
	}
	h.nextFH = fh%127 + 1
	h.openFH[fh] = f
	return h.writeI8(int(fh))
}

// openFlagForMode translates a Python-style fopen mode ("rb", "wb",
// "ab", "r+b", ...) to the os.OpenFile flags it implies.
func openFlagForMode(mode string) int {
	switch {
	case strings.Contains(mode, "a"):
		flag := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		if strings.Contains(mode, "+") {
			flag = os.O_RDWR | os.O_CREATE | os.O_APPEND
		}
		return flag
	case strings.Contains(mode, "w"):
		flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if strings.Contains(mode, "+") {
			flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
		}
		return flag
	case strings.Contains(mode, "+"):
		return os.O_RDWR
	default:
		return os.O_RDONLY
	}
}

// doClose has no response body: CLOSE is fire-and-forget on the wire.
func (h *MountHandler) doClose() error {
	fh, err := h.readFH()
	if err != nil {
		return err
	}
	if f, ok := h.openFH[fh]; ok {
		delete(h.openFH, fh)
		_ = f.Close()
	}
	return nil
}

func (h *MountHandler) doRead() error {
	fh, err := h.readFH()
	if err != nil {
		return err
	}
	n, err := h.link.ReadBytes(4, 0)
	if err != nil {
		return err
	}
	nBytes := int(int32(uint32(n[0]) | uint32(n[1])<<8 | uint32(n[2])<<16 | uint32(n[3])<<24))
	f, ok := h.openFH[fh]
	if !ok {
		return h.writeI32(wireErrno2)
	}
	buf := make([]byte, nBytes)
	count, rerr := f.Read(buf)
	if rerr != nil && rerr != io.EOF {
		return h.writeI32(wireErrno2)
	}
	return h.writeBytes(buf[:count])
}

func (h *MountHandler) doWrite() error {
	fh, err := h.readFH()
	if err != nil {
		return err
	}
	n, err := h.link.ReadBytes(4, 0)
	if err != nil {
		return err
	}
	length := int(n[0]) | int(n[1])<<8 | int(n[2])<<16 | int(n[3])<<24
	data, err := h.link.ReadBytes(length, 0)
	if err != nil {
		return err
	}
	if h.readOnly {
		return h.writeI8(wireErrno30)
	}
	f, ok := h.openFH[fh]
	if !ok {
		return h.writeI8(wireErrno2)
	}
	if _, werr := f.Write(data); werr != nil {
		return h.writeI8(wireErrno2)
	}
	return h.writeI8(wireOK)
}

func (h *MountHandler) doMkdir() error {
	path, err := h.readPath()
	if err != nil {
		return err
	}
	if h.readOnly {
		return h.writeI8(wireErrno30)
	}
	resolved, rerr := h.resolvePath(path)
	if rerr != nil {
		return h.writeI8(wireErrno13)
	}
	if err := os.Mkdir(resolved, 0o755); err != nil {
		if os.IsExist(err) {
			return h.writeI8(wireErrno17)
		}
		return h.writeI8(wireErrno2)
	}
	return h.writeI8(wireOK)
}

func (h *MountHandler) doRemove() error {
	path, err := h.readPath()
	if err != nil {
		return err
	}
	recursiveByte, err := h.link.ReadBytes(1, 0)
	if err != nil {
		return err
	}
	recursive := recursiveByte[0] != 0
	if h.readOnly {
		return h.writeI8(wireErrno30)
	}
	resolved, rerr := h.resolvePath(path)
	if rerr != nil {
		return h.writeI8(wireErrno13)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return h.writeI8(wireErrno2)
	}
	if fi.IsDir() && recursive {
		if err := os.RemoveAll(resolved); err != nil {
			return h.writeI8(wireErrno2)
		}
		return h.writeI8(wireOK)
	}
	if err := os.Remove(resolved); err != nil {
		if fi.IsDir() {
			return h.writeI8(wireErrno21)
		}
		return h.writeI8(wireErrno2)
	}
	return h.writeI8(wireOK)
}

func (h *MountHandler) readFH() (int8, error) {
	b, err := h.link.ReadBytes(1, 0)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// maybeRedirectCompile implements the .py -> .mpy compile-redirect
// policy: when a compiler is installed and the resolved path is a .py
// source with a same-named .mpy sibling that is missing or stale, the
// compiler is invoked and the .mpy path is served instead.
func (h *MountHandler) maybeRedirectCompile(resolved string) string {
	if h.compiler == nil || filepath.Ext(resolved) != ".py" {
		return resolved
	}
	mpyPath := strings.TrimSuffix(resolved, ".py") + ".mpy"
	srcInfo, err := os.Stat(resolved)
	if err != nil {
		return resolved
	}
	if dstInfo, err := os.Stat(mpyPath); err == nil && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
		return mpyPath
	}
	if err := h.compiler.Compile(resolved, mpyPath); err != nil {
		h.log.Warn("compile redirect failed, serving source", logging.Field{Key: "src", Value: resolved}, logging.Field{Key: "err", Value: err})
		return resolved
	}
	return mpyPath
}

// CloseAll closes every open file handle, called when the handler's
// session ends (transport closed or device soft-rebooted).
func (h *MountHandler) CloseAll() {
	for fh, f := range h.openFH {
		_ = f.Close()
		delete(h.openFH, fh)
	}
}

// fingerprint computes the (size, sha256-hex) tuple used by the transfer
// pipeline's skip-if-unchanged check.
func fingerprint(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
