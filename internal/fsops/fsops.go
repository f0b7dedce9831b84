// Package fsops implements the file handlers: fs.read, fs.write, fs.edit,
// fs.delete, fs.move and fs.list.
//
// Handlers accept sandbox.Path values only and re-resolve them right before
// touching the filesystem. Mutations of the same path are serialized.
package fsops

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/lydakis/cws/internal/policy"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// Content encodings on the wire.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// Service runs file operations against one workspace.
type Service struct {
	root  *sandbox.Root
	cfg   *policy.Config
	locks *pathLocks
}

// New creates a Service. cfg supplies size ceilings and excluded
// directories and must not change afterwards.
func New(root *sandbox.Root, cfg *policy.Config) *Service {
	return &Service{
		root:  root,
		cfg:   cfg,
		locks: newPathLocks(),
	}
}

// Hash returns the hex blake3 digest used for fs.read results and ifMatch.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readLimited reads at most limit bytes from the regular file at abs and
// reports SizeLimitExceeded beyond that. It also guards against a file
// that grows between stat and read.
func (s *Service) readLimited(p sandbox.Path, limit int64) ([]byte, error) {
	f, err := os.Open(p.Abs())
	if err != nil {
		return nil, s.mapOpenErr(p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.Rel(), err)
	}
	if info.IsDir() {
		return nil, protocol.NewError(protocol.InvalidParams, "%s is a directory", p.Rel()).
			WithData("path", p.Rel())
	}
	if info.Size() > limit {
		return nil, sizeError(p, info.Size(), limit)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.Rel(), err)
	}
	if int64(len(data)) > limit {
		return nil, sizeError(p, int64(len(data)), limit)
	}
	return data, nil
}

func (s *Service) mapOpenErr(p sandbox.Path, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return notFound(p)
	}
	return fmt.Errorf("opening %s: %w", p.Rel(), err)
}

// checkMatch compares the current content hash of p with want. An empty
// want always passes.
func (s *Service) checkMatch(p sandbox.Path, want string) error {
	if want == "" {
		return nil
	}
	data, err := s.readLimited(p, s.cfg.MaxFileSize)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Code == protocol.NotFound {
			return protocol.NewError(protocol.Conflict, "%s does not exist", p.Rel()).
				WithData("path", p.Rel()).
				WithData("expected", want)
		}
		return err
	}
	if got := Hash(data); got != want {
		return protocol.NewError(protocol.Conflict, "%s changed since it was read", p.Rel()).
			WithData("path", p.Rel()).
			WithData("expected", want).
			WithData("actual", got)
	}
	return nil
}

// writeAtomic writes data to a sibling temp file and renames it over the
// target, so readers see either the old or the new content.
func writeAtomic(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(target)+".cws-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("setting temp file permissions: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("replacing file: %w", err)
	}
	cleanup = false
	return nil
}

func writeInPlace(target string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opening for write: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing: %w", err)
	}
	return nil
}

// existingPerm returns the permission bits of an existing file, or 0644.
func existingPerm(abs string) os.FileMode {
	info, err := os.Stat(abs)
	if err != nil {
		return 0o644
	}
	return info.Mode().Perm()
}

func notFound(p sandbox.Path) *protocol.Error {
	return protocol.NewError(protocol.NotFound, "%s does not exist", p.Rel()).
		WithData("path", p.Rel())
}

func sizeError(p sandbox.Path, size, limit int64) *protocol.Error {
	return protocol.NewError(protocol.SizeLimitExceeded, "%s is %d bytes, limit is %d", p.Rel(), size, limit).
		WithData("path", p.Rel()).
		WithData("size", size).
		WithData("limit", limit)
}

// pathLocks is a set of per-path mutexes. Entries are reference counted and
// dropped when the last holder releases them.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// lock acquires the locks for every distinct path in a fixed order and
// returns the function that releases them.
func (l *pathLocks) lock(paths ...string) func() {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		keys = append(keys, p)
	}
	sort.Strings(keys)

	held := make([]*pathLock, 0, len(keys))
	for _, key := range keys {
		l.mu.Lock()
		pl := l.locks[key]
		if pl == nil {
			pl = &pathLock{}
			l.locks[key] = pl
		}
		pl.refs++
		l.mu.Unlock()

		pl.mu.Lock()
		held = append(held, pl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, keys[i])
			}
			l.mu.Unlock()
		}
	}
}

func (l *pathLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
