package mpy

// Device-side helper snippets, mirrored from mpy.py's _HELPERS table.
// Each is a small Python function body, installed by Device.LoadHelpers
// and then called by name for the remainder of a session. They avoid importing
// anything the device-side interpreter might lack (no pathlib, no
// hashlib beyond what's already required by the transfer pipeline).
const (
	attrDir  = 0x4000
	attrFile = 0x8000
)

const helperStat = `
import os
def _mt_stat(path):
    st = os.stat(path)
    print(repr((st[0], st[6], st[8])))
`

const helperTree = `
import os
def _mt_tree(path):
    def walk(p):
        for name, typ, *_ in os.ilistdir(p):
            full = p.rstrip('/') + '/' + name
            if typ & 0x4000:
                print(repr((full, True)))
                walk(full)
            else:
                print(repr((full, False)))
    walk(path)
`

const helperMkdir = `
import os
def _mt_mkdir(path):
    parts = path.strip('/').split('/')
    cur = ''
    for part in parts:
        cur += '/' + part
        try:
            os.mkdir(cur)
        except OSError as e:
            if e.args[0] != 17:
                raise
`

const helperRmdir = `
import os
def _mt_rmdir(path):
    def rm(p):
        for name, typ, *_ in os.ilistdir(p):
            full = p.rstrip('/') + '/' + name
            if typ & 0x4000:
                rm(full)
                os.rmdir(full)
            else:
                os.remove(full)
    rm(path)
    os.rmdir(path)
`

const helperHash = `
import uhashlib
import ubinascii
def _mt_hash(path):
    h = uhashlib.sha256()
    size = 0
    with open(path, 'rb') as f:
        while True:
            chunk = f.read(512)
            if not chunk:
                break
            h.update(chunk)
            size += len(chunk)
    print(repr((size, ubinascii.hexlify(h.digest()).decode())))
`

const helperRename = `
import os
def _mt_rename(src, dst):
    os.rename(src, dst)
`

// helperChunkProbe reports the largest transfer chunk the device can
// currently afford, based on free heap after a collection. The host
// probes once per transfer rather than per chunk.
const helperChunkProbe = `
import gc
def _mt_chunk_probe():
    gc.collect()
    n = gc.mem_free() // 4
    if n < 256:
        n = 256
    if n > 4096:
        n = 4096
    print(repr(n))
`

// helperDeflateProbe reports whether a deflate-compatible decompressor
// is importable on this build, so the host only offers EncodingDeflate
// when _mt_inflate can actually run.
const helperDeflateProbe = `
def _mt_deflate_probe():
    try:
        import deflate
        ok = True
    except ImportError:
        try:
            import uzlib
            ok = True
        except ImportError:
            ok = False
    print(repr(ok))
`

// helperInflate decompresses a raw-deflate (no zlib header) stream,
// matching the Go side's compress/flate writer. Prefers the deflate
// module where available, falling back to uzlib's negative-wbits form.
const helperInflate = `
def _mt_inflate(data):
    try:
        import deflate, io
        return deflate.DeflateIO(io.BytesIO(data), deflate.RAW).read()
    except ImportError:
        import uzlib
        return uzlib.decompress(data, -15)
`

// helperFileInfo answers a batched skip-if-unchanged query: paths is a
// list of (path, size) tuples, where size is the host's candidate size
// or -1 to force a hash. For each entry it returns None (missing),
// (size, None) (size mismatch, hash skipped), or (size, sha256hex).
// It returns its result rather than printing it, so call sites can wrap
// it in their own print(repr(...)) without triggering a double print.
const helperFileInfo = `
import os, uhashlib, ubinascii
def _mt_fileinfo(paths):
    out = []
    for path, want_size in paths:
        try:
            st = os.stat(path)
        except OSError:
            out.append(None)
            continue
        size = st[6]
        if want_size >= 0 and size != want_size:
            out.append((size, None))
            continue
        h = uhashlib.sha256()
        with open(path, 'rb') as f:
            while True:
                chunk = f.read(512)
                if not chunk:
                    break
                h.update(chunk)
        out.append((size, ubinascii.hexlify(h.digest()).decode()))
    return out
`

// helperSource collects every helper body so callers can install all of
// them in one upload (Device.LoadHelpers sends it through TryRawPaste),
// the way Mpy.load_helper does lazily in the original tool but batched
// for a fresh session.
var helperSource = helperStat + helperTree + helperMkdir + helperRmdir + helperHash + helperRename +
	helperChunkProbe + helperDeflateProbe + helperInflate + helperFileInfo
