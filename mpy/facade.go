package mpy

import (
	"strconv"
	"strings"
	"time"

	"github.com/pavelrevak/mpytool-sub000/internal/logging"
	"github.com/pavelrevak/mpytool-sub000/internal/progress"
)

// mountEntry tracks one active Mount: its router MID, the VFS handler
// serving it, and the host directory it was rooted at (kept so Unmount
// can log something meaningful).
type mountEntry struct {
	mid      byte
	handler  *MountHandler
	hostRoot string
	readOnly bool
}

// Device is the facade a caller drives: it owns the transport, the
// escape-frame router, the REPL engine, and any number of simultaneous
// VFS mounts. A Device is not safe for concurrent use — the protocol it
// drives is inherently single-threaded, matching the device's own
// cooperative scheduler.
type Device struct {
	transport Transport
	router    *Router
	repl      *REPL
	progress  *progress.Hub
	log       logging.Logger
	compiler  Compiler

	mounts  map[string]*mountEntry // keyed by device-absolute mount point
	nextMID byte

	platform       string
	rawPasteKnown  bool
	cleanupRanOnce bool
}

// Open builds a Device over an already-dialed Transport (see DialSerial,
// DialTCP).
func Open(transport Transport, log logging.Logger) *Device {
	if log == nil {
		log = logging.Default()
	}
	d := &Device{
		transport: transport,
		log:       log,
		progress:  progress.NewHub(),
		mounts:    make(map[string]*mountEntry),
		nextMID:   1,
	}
	d.router = NewRouter(transport, d.onRemount, log)
	d.repl = NewREPL(NewLink(d.router, log), log)
	return d
}

// Progress returns the Hub progress events for Put/Get are published on.
func (d *Device) Progress() *progress.Hub { return d.progress }

// onRemount fires once the Router observes a soft reboot followed by a
// fresh prompt. The device-side mount agent instances are gone along
// with the rest of interpreter state, so every open fd is dropped and
// every mount's router registration is torn down; callers must Mount
// again to resume VFS access.
func (d *Device) onRemount() {
	d.log.Info("observed soft reboot, VFS handlers must be reinstalled before further mount use")
	for mp, entry := range d.mounts {
		entry.handler.CloseAll()
		d.router.UnregisterHandler(entry.mid)
		delete(d.mounts, mp)
	}
}

// Exec, ExecEval and ExecRawPaste pass through to the REPL engine,
// entering raw REPL automatically on first use.
func (d *Device) Exec(command string, timeout time.Duration) ([]byte, error) {
	return d.repl.Exec(command, timeout)
}

func (d *Device) ExecEval(expr string, timeout time.Duration) (any, error) {
	return d.repl.ExecEval(expr, timeout)
}

func (d *Device) ExecRawPaste(command string, timeout time.Duration) ([]byte, error) {
	return d.repl.TryRawPaste(command, timeout)
}

// Platform returns sys.platform, probing it once per Device and caching
// the result (mirrors the session-identity note: per-Device, not global).
func (d *Device) Platform() (string, error) {
	if d.platform != "" {
		return d.platform, nil
	}
	v, err := d.repl.ExecEval("__import__('sys').platform", 5*time.Second)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", newProtocolError("sys.platform did not evaluate to a string")
	}
	d.platform = s
	return s, nil
}

// SoftReset issues a soft reboot (Ctrl-D at the friendly prompt) and
// leaves the device at a fresh interpreter, per the REPL engine's
// SoftReset.
func (d *Device) SoftReset() error {
	return d.repl.SoftReset()
}

// Mount installs a fresh device-side VFS agent at mountPoint and wires a
// MountHandler rooted at hostRoot to serve it over a host-assigned mount
// id. readOnly rejects every write-shaped request against this mount
// with -EROFS, never touching hostRoot.
func (d *Device) Mount(mountPoint, hostRoot string, chunkSize int, readOnly bool) error {
	if _, exists := d.mounts[mountPoint]; exists {
		return newParamsError("mount point %q is already mounted", mountPoint)
	}
	if !strings.HasPrefix(mountPoint, "/") {
		return newParamsError("mount point %q is not an absolute path", mountPoint)
	}
	for mp := range d.mounts {
		if strings.HasPrefix(mountPoint, mp+"/") || strings.HasPrefix(mp, mountPoint+"/") {
			return newParamsError("mount point %q nests with active mount %q", mountPoint, mp)
		}
	}
	handler, err := NewMountHandler(d.router.HandlerLink(), hostRoot, d.log)
	if err != nil {
		return err
	}
	handler.SetReadOnly(readOnly)
	if d.compiler != nil {
		handler.SetCompiler(d.compiler)
	}
	if chunkSize <= 0 {
		chunkSize = 512
	}
	mid := d.nextMID
	d.nextMID++
	if err := InstallMountAgent(d.repl, mountPoint, mid, chunkSize); err != nil {
		return err
	}
	d.router.RegisterHandler(mid, handler)
	d.mounts[mountPoint] = &mountEntry{mid: mid, handler: handler, hostRoot: hostRoot, readOnly: readOnly}
	return nil
}

// Unmount tears down an active mount: the device-side os.umount is
// called, the handler's open files are closed, and its MID's router
// registration is removed. MIDs are not reused: every Mount takes the
// next one.
func (d *Device) Unmount(mountPoint string) error {
	entry, ok := d.mounts[mountPoint]
	if !ok {
		return newParamsError("mount point %q is not mounted", mountPoint)
	}
	_, err := d.repl.Exec("__import__('os').umount("+strconv.Quote(mountPoint)+")", 5*time.Second)
	entry.handler.CloseAll()
	d.router.UnregisterHandler(entry.mid)
	delete(d.mounts, mountPoint)
	return err
}

// ListMounts returns the device-absolute mount points currently active,
// in no particular order.
func (d *Device) ListMounts() []string {
	out := make([]string, 0, len(d.mounts))
	for mp := range d.mounts {
		out = append(out, mp)
	}
	return out
}

// AddSubmount overlays an additional host directory below an active
// mount's root.
func (d *Device) AddSubmount(mountPoint, virtualPath, hostDir string) error {
	entry, ok := d.mounts[mountPoint]
	if !ok {
		return newParamsError("AddSubmount: mount point %q is not mounted", mountPoint)
	}
	return entry.handler.Mount(virtualPath, hostDir)
}

// SetCompiler installs a Compiler used for every mount's .py -> .mpy
// compile-redirect policy, including mounts created after this call.
func (d *Device) SetCompiler(c Compiler) {
	d.compiler = c
	for _, entry := range d.mounts {
		entry.handler.SetCompiler(c)
	}
}

// LoadHelpers installs the device-shim helper functions (stat/tree/
// mkdir/rmdir/hash/rename/chunk-probe/deflate-probe/fileinfo) used by
// Stat/Tree/Mkdir/Delete/Put/Get/Rename/FileInfo/HashFile.
func (d *Device) LoadHelpers() error {
	_, err := d.repl.TryRawPaste(helperSource, 5*time.Second)
	return err
}

// Stat returns (isDir, size) for remotePath via the _mt_stat helper.
//
// _mt_stat prints its own repr() rather than returning a value, so this
// uses Exec (a bare statement) and the literal parser directly instead
// of ExecEval, which would wrap the call in a second print(repr(...))
// and produce two lines where the second parses as None.
func (d *Device) Stat(remotePath string) (isDir bool, size int64, err error) {
	out, err := d.repl.Exec("_mt_stat("+strconv.Quote(remotePath)+")", 5*time.Second)
	if err != nil {
		return false, 0, err
	}
	v, err := parseLiteral(trimNewline(out))
	if err != nil {
		return false, 0, err
	}
	tuple, ok := v.([]any)
	if !ok || len(tuple) < 2 {
		return false, 0, newProtocolError("unexpected stat result shape")
	}
	mode, _ := tuple[0].(int64)
	sz, _ := tuple[1].(int64)
	return mode&attrDir != 0, sz, nil
}

// FileInfo runs a batched skip-if-unchanged query against the device:
// for each path, wantSize is either the host's candidate size (which
// short-circuits hashing on mismatch) or -1 to force a hash.
func (d *Device) FileInfo(queries []FileInfoQuery) ([]*FileInfo, error) {
	return deviceFileInfo(d.repl, queries)
}

// HashFile returns (size, sha256-hex) for remotePath via the _mt_hash
// helper, using the same Exec-plus-literal-parser approach as Stat to
// avoid double-printing the helper's self-printed repr().
func (d *Device) HashFile(remotePath string) (size int64, sha256hex string, err error) {
	out, err := d.repl.Exec("_mt_hash("+strconv.Quote(remotePath)+")", 10*time.Second)
	if err != nil {
		return 0, "", err
	}
	v, err := parseLiteral(trimNewline(out))
	if err != nil {
		return 0, "", err
	}
	tuple, ok := v.([]any)
	if !ok || len(tuple) != 2 {
		return 0, "", newProtocolError("unexpected hash result shape")
	}
	sz, _ := tuple[0].(int64)
	sum, _ := tuple[1].(string)
	return sz, sum, nil
}

// TreeEntry is one path reported by Tree.
type TreeEntry struct {
	Path  string
	IsDir bool
}

// Tree recursively walks remotePath via the _mt_tree helper. _mt_tree
// streams one printed line per entry rather than returning a single
// value, so each line is parsed independently instead of going through
// ExecEval (which expects exactly one literal).
func (d *Device) Tree(remotePath string) ([]TreeEntry, error) {
	out, err := d.repl.Exec("_mt_tree("+strconv.Quote(remotePath)+")", 30*time.Second)
	if err != nil {
		return nil, err
	}
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		v, err := parseLiteral([]byte(line))
		if err != nil {
			return nil, err
		}
		tuple, ok := v.([]any)
		if !ok || len(tuple) != 2 {
			return nil, newProtocolError("unexpected tree entry shape: %q", line)
		}
		path, _ := tuple[0].(string)
		isDir, _ := tuple[1].(bool)
		entries = append(entries, TreeEntry{Path: path, IsDir: isDir})
	}
	return entries, nil
}

// Ls lists a single directory's direct children with the device's own
// os.listdir, not the _mt_tree helper.
func (d *Device) Ls(remotePath string) ([]string, error) {
	out, err := d.repl.Exec("print(repr(__import__('os').listdir("+strconv.Quote(remotePath)+")))", 5*time.Second)
	if err != nil {
		return nil, err
	}
	v, err := parseLiteral(trimNewline(out))
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	names := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

// Chdir changes the device interpreter's current working directory.
func (d *Device) Chdir(remotePath string) error {
	_, err := d.repl.Exec("__import__('os').chdir("+strconv.Quote(remotePath)+")", 5*time.Second)
	return err
}

// Getcwd returns the device interpreter's current working directory.
func (d *Device) Getcwd() (string, error) {
	v, err := d.repl.ExecEval("__import__('os').getcwd()", 5*time.Second)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", newProtocolError("getcwd did not evaluate to a string")
	}
	return s, nil
}

// GetSysPath returns the device interpreter's sys.path.
func (d *Device) GetSysPath() ([]string, error) {
	v, err := d.repl.ExecEval("list(__import__('sys').path)", 5*time.Second)
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SetSysPath replaces the device interpreter's sys.path wholesale.
func (d *Device) SetSysPath(paths []string) error {
	_, err := d.repl.Exec("__import__('sys').path[:] = "+pyStringList(paths), 5*time.Second)
	return err
}

// PrependSysPath inserts path at the front of sys.path.
func (d *Device) PrependSysPath(path string) error {
	_, err := d.repl.Exec("__import__('sys').path.insert(0, "+strconv.Quote(path)+")", 5*time.Second)
	return err
}

// AppendSysPath appends path to the end of sys.path.
func (d *Device) AppendSysPath(path string) error {
	_, err := d.repl.Exec("__import__('sys').path.append("+strconv.Quote(path)+")", 5*time.Second)
	return err
}

// RemoveFromSysPath removes the first occurrence of path from sys.path.
func (d *Device) RemoveFromSysPath(path string) error {
	_, err := d.repl.Exec("__import__('sys').path.remove("+strconv.Quote(path)+")", 5*time.Second)
	return err
}

func pyStringList(items []string) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Quote(it))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Mkdir creates remotePath and any missing parent directories.
func (d *Device) Mkdir(remotePath string) error {
	_, err := d.repl.Exec("_mt_mkdir("+strconv.Quote(remotePath)+")", 5*time.Second)
	return err
}

// Delete removes remotePath. A directory's contents are removed first
// when recursive is true; otherwise the directory is removed with
// os.rmdir, so a non-recursive delete of a non-empty directory fails with
// the underlying OS error.
func (d *Device) Delete(remotePath string, recursive bool) error {
	isDir, _, err := d.Stat(remotePath)
	if err != nil {
		return err
	}
	if isDir {
		if recursive {
			_, err := d.repl.Exec("_mt_rmdir("+strconv.Quote(remotePath)+")", 30*time.Second)
			return err
		}
		_, err := d.repl.Exec("__import__('os').rmdir("+strconv.Quote(remotePath)+")", 5*time.Second)
		return err
	}
	_, err = d.repl.Exec("__import__('os').remove("+strconv.Quote(remotePath)+")", 5*time.Second)
	return err
}

// Rename renames a remote path in place.
func (d *Device) Rename(src, dst string) error {
	_, err := d.repl.Exec("_mt_rename("+strconv.Quote(src)+", "+strconv.Quote(dst)+")", 5*time.Second)
	return err
}

// Put uploads localPath to remotePath, skipping the transfer entirely
// when the device already has an identical file (size + sha256 match).
func (d *Device) Put(localPath, remotePath string, compress bool) (*PutResult, error) {
	return Put(d.repl, d.progress, remotePath, localPath, remotePath, compress)
}

// Get downloads remotePath to localPath.
func (d *Device) Get(remotePath, localPath string) error {
	return Get(d.repl, d.progress, remotePath, remotePath, localPath)
}

// Cleanup runs exactly once per Device: it closes any open VFS file
// handles and exits raw REPL so the device is left at a friendly prompt
// for the next tool to use.
func (d *Device) Cleanup() error {
	if d.cleanupRanOnce {
		return nil
	}
	d.cleanupRanOnce = true
	for _, entry := range d.mounts {
		entry.handler.CloseAll()
	}
	if d.repl.rawMode {
		return d.repl.ExitRawREPL()
	}
	return nil
}

// Close runs Cleanup and releases the underlying transport.
func (d *Device) Close() error {
	cleanupErr := d.Cleanup()
	if err := d.transport.Close(); err != nil {
		return err
	}
	return cleanupErr
}

// DiscoverAddr resolves a bare hostname with no scheme into a host:port
// suitable for DialTCP, defaulting to DefaultTCPPort.
func DiscoverAddr(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":" + strconv.Itoa(DefaultTCPPort)
}
