package fsops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// DefaultMaxEntries caps fs.list when the request sets no limit.
const DefaultMaxEntries = 1000

// Entry types reported by fs.list.
const (
	TypeFile    = "file"
	TypeDir     = "directory"
	TypeSymlink = "symlink"
	TypeOther   = "other"
)

// Entry is one fs.list item.
type Entry struct {
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ListResult is the fs.list result.
type ListResult struct {
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated"`
}

// List returns the entries below the directory p, sorted by path.
// Excluded directories are skipped and symbolic links are not followed.
func (s *Service) List(ctx context.Context, p sandbox.Path, recursive bool, maxEntries int) (*ListResult, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	p, err := s.root.Reverify(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p.Abs())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("stat %s: %w", p.Rel(), err)
	}
	if !info.IsDir() {
		return nil, protocol.NewError(protocol.InvalidParams, "%s is not a directory", p.Rel()).
			WithData("path", p.Rel())
	}

	res := &ListResult{Entries: []Entry{}}
	walkErr := filepath.WalkDir(p.Abs(), func(abs string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if abs == p.Abs() {
			return err
		}
		if err != nil {
			// Entries that vanish or become unreadable mid-walk are skipped.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() && s.cfg.ExcludedName(d.Name()) {
			return fs.SkipDir
		}

		if len(res.Entries) >= maxEntries {
			res.Truncated = true
			return fs.SkipAll
		}
		rel, ok := s.root.Rel(abs)
		if !ok {
			return nil
		}
		res.Entries = append(res.Entries, entryFor(rel, d))

		if d.IsDir() && !recursive {
			return fs.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("listing %s: %w", p.Rel(), walkErr)
	}

	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].Path < res.Entries[j].Path
	})
	return res, nil
}

func entryFor(rel string, d fs.DirEntry) Entry {
	e := Entry{Path: rel, Type: TypeOther}
	switch {
	case d.Type()&fs.ModeSymlink != 0:
		e.Type = TypeSymlink
	case d.IsDir():
		e.Type = TypeDir
	case d.Type().IsRegular():
		e.Type = TypeFile
	}
	if info, err := d.Info(); err == nil {
		e.ModTime = info.ModTime().UTC()
		if e.Type == TypeFile {
			e.Size = info.Size()
		}
	}
	return e
}
