package fsops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// DeleteResult is the fs.delete result.
type DeleteResult struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

// MoveResult is the fs.move result.
type MoveResult struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Delete removes the entry at p. A symbolic link is removed itself, not its
// target. Directories need recursive unless they are empty.
func (s *Service) Delete(_ context.Context, p sandbox.Path, recursive bool) (*DeleteResult, error) {
	unlock := s.locks.lock(p.Abs())
	defer unlock()

	p, err := s.root.Reverify(p)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return nil, protocol.NewError(protocol.PolicyViolation, "cannot delete the workspace root")
	}

	info, err := os.Lstat(p.Abs())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("stat %s: %w", p.Rel(), err)
	}

	if info.IsDir() && recursive {
		err = os.RemoveAll(p.Abs())
	} else {
		err = os.Remove(p.Abs())
	}
	if err != nil {
		if isNotEmpty(err) {
			return nil, protocol.NewError(protocol.Conflict, "directory %s is not empty; set recursive to delete it", p.Rel()).
				WithData("path", p.Rel())
		}
		return nil, fmt.Errorf("deleting %s: %w", p.Rel(), err)
	}
	return &DeleteResult{Path: p.Rel(), Deleted: true}, nil
}

// Move renames src to dst. Both must already be sandbox paths; an existing
// destination is replaced only with overwrite.
func (s *Service) Move(_ context.Context, src, dst sandbox.Path, overwrite bool) (*MoveResult, error) {
	unlock := s.locks.lock(src.Abs(), dst.Abs())
	defer unlock()

	src, err := s.root.Reverify(src)
	if err != nil {
		return nil, err
	}
	dst, err = s.root.Reverify(dst)
	if err != nil {
		return nil, err
	}
	if src.IsRoot() || dst.IsRoot() {
		return nil, protocol.NewError(protocol.PolicyViolation, "cannot move the workspace root")
	}
	if src.Abs() == dst.Abs() {
		return nil, protocol.NewError(protocol.InvalidParams, "source and destination are the same path").
			WithData("path", src.Rel())
	}

	srcInfo, err := os.Lstat(src.Abs())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(src)
		}
		return nil, fmt.Errorf("stat %s: %w", src.Rel(), err)
	}
	if srcInfo.IsDir() && strings.HasPrefix(dst.Abs(), src.Abs()+string(filepath.Separator)) {
		return nil, protocol.NewError(protocol.InvalidParams, "cannot move %s into itself", src.Rel()).
			WithData("source", src.Rel()).
			WithData("destination", dst.Rel())
	}

	dstInfo, err := os.Lstat(dst.Abs())
	switch {
	case err == nil:
		if !overwrite {
			return nil, protocol.NewError(protocol.Conflict, "%s already exists; set overwrite to replace it", dst.Rel()).
				WithData("path", dst.Rel())
		}
		if dstInfo.IsDir() {
			if err := os.Remove(dst.Abs()); err != nil {
				if isNotEmpty(err) {
					return nil, protocol.NewError(protocol.Conflict, "destination directory %s is not empty", dst.Rel()).
						WithData("path", dst.Rel())
				}
				return nil, fmt.Errorf("replacing %s: %w", dst.Rel(), err)
			}
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat %s: %w", dst.Rel(), err)
	}

	if err := os.MkdirAll(filepath.Dir(dst.Abs()), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent of %s: %w", dst.Rel(), err)
	}
	if err := os.Rename(src.Abs(), dst.Abs()); err != nil {
		return nil, fmt.Errorf("moving %s to %s: %w", src.Rel(), dst.Rel(), err)
	}
	return &MoveResult{Source: src.Rel(), Destination: dst.Rel()}, nil
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
