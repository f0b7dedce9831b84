// Package sandbox confines client-supplied paths to a workspace root.
//
// Every path handed to a file, search or task handler is a Path produced by
// Root.Resolve. Resolution is done fresh on every call: symbolic links are
// followed through their full chain, so a link anywhere along the way that
// points outside the root is rejected the same as a literal "..".
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// maxLinkHops matches the kernel's MAXSYMLINKS.
const maxLinkHops = 40

const sep = string(filepath.Separator)

// ErrTraversal is matched by every TraversalError.
var ErrTraversal = errors.New("path escapes the workspace")

var (
	errLinkLoop   = errors.New("too many levels of symbolic links")
	errLinkEscape = errors.New("symbolic link leaves the workspace")
)

// TraversalError reports a path that resolves outside the workspace. It only
// carries the raw path the client sent, never the resolved host path.
type TraversalError struct {
	Raw string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the workspace", e.Raw)
}

func (e *TraversalError) Is(target error) bool {
	return target == ErrTraversal
}

// Root is a canonical workspace directory. It is immutable after New and safe
// to share between goroutines.
type Root struct {
	dir string
}

// New canonicalizes dir and verifies that it is an existing directory.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	canonical, err := canonicalize(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", dir)
	}
	return &Root{dir: canonical}, nil
}

// Dir returns the canonical root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Path is a workspace path that passed resolution. The zero value is not a
// valid path; only Root.Resolve produces usable values.
type Path struct {
	abs   string
	rel   string
	entry bool
}

// Abs returns the canonical host path.
func (p Path) Abs() string { return p.abs }

// Rel returns the slash-separated path relative to the root ("." for the root).
func (p Path) Rel() string { return p.rel }

// IsRoot reports whether p is the workspace root itself.
func (p Path) IsRoot() bool { return p.rel == "." }

// IsZero reports whether p was not produced by Resolve.
func (p Path) IsZero() bool { return p.abs == "" }

func (p Path) String() string { return p.rel }

// Resolve joins raw onto the root, canonicalizes the result and checks that
// it stays inside the root. Relative and absolute inputs are both accepted.
func (r *Root) Resolve(raw string) (Path, error) {
	if strings.ContainsRune(raw, 0) {
		return Path{}, &TraversalError{Raw: raw}
	}

	var joined string
	if filepath.IsAbs(raw) {
		joined = filepath.Clean(raw)
	} else {
		joined = filepath.Join(r.dir, raw)
	}

	canonical, err := canonicalize(joined, r.contains)
	if err != nil {
		if errors.Is(err, errLinkLoop) || errors.Is(err, errLinkEscape) {
			return Path{}, &TraversalError{Raw: raw}
		}
		return Path{}, fmt.Errorf("resolving %q: %w", raw, r.scrubErr(err))
	}
	if !r.contains(canonical) {
		return Path{}, &TraversalError{Raw: raw}
	}

	rel, err := filepath.Rel(r.dir, canonical)
	if err != nil {
		return Path{}, &TraversalError{Raw: raw}
	}
	return Path{abs: canonical, rel: filepath.ToSlash(rel)}, nil
}

// ResolveEntry is like Resolve but leaves the final component unresolved,
// so a symbolic link names the link itself. Delete and move use it. The
// full resolution must still stay inside the root.
func (r *Root) ResolveEntry(raw string) (Path, error) {
	full, err := r.Resolve(raw)
	if err != nil {
		return Path{}, err
	}

	var joined string
	if filepath.IsAbs(raw) {
		joined = filepath.Clean(raw)
	} else {
		joined = filepath.Join(r.dir, raw)
	}
	base := filepath.Base(joined)
	if full.IsRoot() || base == sep || base == "." || base == ".." {
		full.entry = true
		return full, nil
	}

	parent, err := canonicalize(filepath.Dir(joined), r.contains)
	if err != nil {
		return Path{}, &TraversalError{Raw: raw}
	}
	abs := filepath.Join(parent, base)
	if abs == r.dir || !r.contains(abs) {
		return Path{}, &TraversalError{Raw: raw}
	}
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return Path{}, &TraversalError{Raw: raw}
	}
	return Path{abs: abs, rel: filepath.ToSlash(rel), entry: true}, nil
}

// Reverify resolves p again. Handlers call it right before touching the
// filesystem so a rename or new link since policy evaluation cannot redirect
// the operation outside the root.
func (r *Root) Reverify(p Path) (Path, error) {
	if p.IsZero() {
		return Path{}, fmt.Errorf("unresolved path")
	}
	if p.entry {
		return r.ResolveEntry(p.rel)
	}
	return r.Resolve(p.rel)
}

// Contains reports whether the canonical host path abs lies inside the root.
func (r *Root) Contains(abs string) bool {
	return r.contains(filepath.Clean(abs))
}

// Rel converts a host path inside the root to its slash-separated relative form.
func (r *Root) Rel(abs string) (string, bool) {
	if !r.Contains(abs) {
		return "", false
	}
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Scrub removes the root's host location from s.
func (r *Root) Scrub(s string) string {
	s = strings.ReplaceAll(s, r.dir+sep, "")
	return strings.ReplaceAll(s, r.dir, ".")
}

func (r *Root) scrubErr(err error) error {
	return errors.New(r.Scrub(err.Error()))
}

func (r *Root) contains(p string) bool {
	if p == r.dir {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(r.dir, sep)+sep)
}

// canonicalize resolves every symbolic link along the absolute, clean path p,
// including links whose targets do not exist. Components that do not exist
// are kept lexically. When inside is set, a link found inside it must point
// inside it too, so a chain cannot leave the root and come back.
func canonicalize(p string, inside func(string) bool) (string, error) {
	todo := splitPath(p)
	resolved := sep
	hops := 0

	for len(todo) > 0 {
		name := todo[0]
		todo = todo[1:]

		switch name {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, name)
		info, err := os.Lstat(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				resolved = next
				continue
			}
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", errLinkLoop
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if inside != nil && inside(resolved) {
			dest := target
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(resolved, dest)
			}
			if !inside(filepath.Clean(dest)) {
				return "", errLinkEscape
			}
		}
		if filepath.IsAbs(target) {
			resolved = sep
		}
		todo = append(splitPath(target), todo...)
	}
	return resolved, nil
}

func splitPath(p string) []string {
	return strings.Split(p, sep)
}
