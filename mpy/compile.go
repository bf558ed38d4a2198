package mpy

import (
	"os/exec"
	"regexp"
	"strconv"
)

// Compiler is the narrow collaborator interface the VFS compile-redirect
// policy depends on. The mpy-cross compiler itself is an external tool
// and out of this module's scope; Compiler lets a host plug in whatever
// invocation (or cache) strategy it needs.
type Compiler interface {
	// Compile cross-compiles src (a .py file) into dst (a .mpy file).
	Compile(src, dst string) error
}

// mpyCrossVersion is the regex mpy_cross.py uses to parse `mpy-cross
// --version` output, e.g. "MicroPython v1.22.0 ... mpy v6.1".
var mpyCrossVersion = regexp.MustCompile(`mpy v(\d+)\.(\d+)`)

// ExternalCompiler shells out to a locally installed mpy-cross binary,
// mirroring mpy_cross.py's MpyCross wrapper: it probes the binary's
// bytecode version once and passes -O2 plus a matching -b flag.
type ExternalCompiler struct {
	path       string
	bytecodeOK bool
	major      int
	minor      int
}

// NewExternalCompiler locates mpy-cross on PATH (or at an explicit path)
// and probes its bytecode version.
func NewExternalCompiler(path string) (*ExternalCompiler, error) {
	if path == "" {
		resolved, err := exec.LookPath("mpy-cross")
		if err != nil {
			return nil, newProtocolError("mpy-cross not found on PATH: %v", err)
		}
		path = resolved
	}
	c := &ExternalCompiler{path: path}
	out, err := exec.Command(path, "--version").CombinedOutput()
	if err == nil {
		if m := mpyCrossVersion.FindSubmatch(out); m != nil {
			c.major, _ = strconv.Atoi(string(m[1]))
			c.minor, _ = strconv.Atoi(string(m[2]))
			c.bytecodeOK = true
		}
	}
	return c, nil
}

// Compile runs `mpy-cross -O2 [-b major.minor] -o dst src`.
func (c *ExternalCompiler) Compile(src, dst string) error {
	args := []string{"-O2"}
	if c.bytecodeOK {
		args = append(args, "-b", strconv.Itoa(c.major)+"."+strconv.Itoa(c.minor))
	}
	args = append(args, "-o", dst, src)
	out, err := exec.Command(c.path, args...).CombinedOutput()
	if err != nil {
		return newProtocolError("mpy-cross failed: %v: %s", err, out)
	}
	return nil
}
