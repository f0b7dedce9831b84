package fsops

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// WriteOptions tune fs.write.
type WriteOptions struct {
	// Atomic writes through a sibling temp file and a rename.
	Atomic bool
	// CreateDirs creates missing parent directories.
	CreateDirs bool
	// IfMatch, when set, must equal the current content hash.
	IfMatch string
}

// WriteResult is the fs.write result.
type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
	Hash         string `json:"hash"`
}

// DecodeContents turns wire contents into bytes.
func DecodeContents(contents, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8:
		return []byte(contents), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(contents)
		if err != nil {
			return nil, protocol.NewError(protocol.InvalidParams, "contents are not valid base64: %v", err)
		}
		return data, nil
	default:
		return nil, protocol.NewError(protocol.InvalidParams, "unsupported encoding %q", encoding).
			WithData("encoding", encoding)
	}
}

// Write replaces the file at p with data.
func (s *Service) Write(_ context.Context, p sandbox.Path, data []byte, opts WriteOptions) (*WriteResult, error) {
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, sizeError(p, int64(len(data)), s.cfg.MaxFileSize)
	}

	unlock := s.locks.lock(p.Abs())
	defer unlock()

	p, err := s.root.Reverify(p)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return nil, protocol.NewError(protocol.InvalidParams, "cannot write to the workspace root")
	}

	info, err := os.Stat(p.Abs())
	switch {
	case err == nil && info.IsDir():
		return nil, protocol.NewError(protocol.InvalidParams, "%s is a directory", p.Rel()).
			WithData("path", p.Rel())
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat %s: %w", p.Rel(), err)
	}

	if err := s.checkMatch(p, opts.IfMatch); err != nil {
		return nil, err
	}

	dir := filepath.Dir(p.Abs())
	if opts.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating parent of %s: %w", p.Rel(), err)
		}
	} else if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, protocol.NewError(protocol.NotFound, "parent directory of %s does not exist", p.Rel()).
			WithData("path", p.Rel())
	}

	perm := existingPerm(p.Abs())
	if opts.Atomic {
		err = writeAtomic(p.Abs(), data, perm)
	} else {
		err = writeInPlace(p.Abs(), data, perm)
	}
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", p.Rel(), err)
	}

	return &WriteResult{
		Path:         p.Rel(),
		BytesWritten: len(data),
		Hash:         Hash(data),
	}, nil
}
