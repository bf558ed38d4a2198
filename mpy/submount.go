package mpy

import (
	"os"
	"strings"
)

// submountEntry records one overlaid host directory and the virtual path
// (relative to the handler's root, no leading/trailing slash) it appears
// at.
type submountEntry struct {
	virtual string
	host    string
}

// submountTable tracks every Mount() overlay for a MountHandler. Overlay
// directories may be nested under the handler's root at any depth; the
// directories between root and the overlay point are synthesized as
// virtual, listable-but-empty-of-their-own-content directories.
type submountTable struct {
	entries []submountEntry
}

func newSubmountTable() *submountTable { return &submountTable{} }

func (t *submountTable) add(virtualPath, hostRoot string) error {
	clean := strings.Trim(virtualPath, "/")
	if clean == "" {
		return newParamsError("submount virtual path must not be the root itself")
	}
	for _, e := range t.entries {
		if e.virtual == clean {
			return newParamsError("submount %q is already mounted", virtualPath)
		}
		if strings.HasPrefix(clean, e.virtual+"/") || strings.HasPrefix(e.virtual, clean+"/") {
			return newParamsError("submount %q nests inside existing submount %q", virtualPath, e.virtual)
		}
	}
	t.entries = append(t.entries, submountEntry{virtual: clean, host: hostRoot})
	return nil
}

// lookup finds the submount (if any) whose virtual prefix matches clean,
// returning the submount's host root and the path remaining below it.
func (t *submountTable) lookup(clean string) (base, rel string, ok bool) {
	for _, e := range t.entries {
		if clean == e.virtual {
			return e.host, "", true
		}
		if strings.HasPrefix(clean, e.virtual+"/") {
			return e.host, clean[len(e.virtual)+1:], true
		}
	}
	return "", "", false
}

type dirListEntry struct {
	name  string
	isDir bool
}

// overlayNames merges real directory entries with the names of the
// submounts and virtual intermediate directories directly below
// dirClean; a real entry wins over a virtual one of the same name.
func (t *submountTable) overlayNames(dirClean string, real []os.DirEntry) []dirListEntry {
	seen := make(map[string]bool, len(real))
	var out []dirListEntry
	for _, e := range real {
		out = append(out, dirListEntry{name: e.Name(), isDir: e.IsDir()})
		seen[e.Name()] = true
	}
	prefix := dirClean
	if prefix != "" {
		prefix += "/"
	}
	for _, e := range t.entries {
		if !strings.HasPrefix(e.virtual, prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.virtual, prefix)
		if rest == "" {
			continue
		}
		next := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			next = rest[:idx]
		}
		if !seen[next] {
			seen[next] = true
			isDir := true
			if next == rest {
				// The submount itself: a host file lists as a file.
				if fi, err := os.Stat(e.host); err == nil {
					isDir = fi.IsDir()
				}
			}
			out = append(out, dirListEntry{name: next, isDir: isDir})
		}
	}
	return out
}
