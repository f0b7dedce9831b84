// Package search implements search.find: a lazy, bounded scan of workspace
// files for a literal or regular-expression query.
package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lydakis/cws/internal/policy"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

const (
	// binarySniffLen is how much of a file is checked for NUL bytes.
	binarySniffLen = 8000
	// maxLineLen bounds a single scanned line.
	maxLineLen = 1 << 20
	// maxTextLen bounds the line text returned with a match.
	maxTextLen = 512
)

// Reasons a file was skipped.
const (
	SkipTooLarge    = "too large"
	SkipTimeout     = "time budget exceeded"
	SkipLineTooLong = "line too long"
	SkipUnreadable  = "unreadable"
)

// Options is a decoded search.find request.
type Options struct {
	Query         string
	Regex         bool
	CaseSensitive bool
	MaxResults    int
	// Scope is the directory or file to search.
	Scope sandbox.Path
	// Include, when set, limits the search to files whose base name or
	// workspace-relative path matches one of the patterns.
	Include []string
}

// Match is one matching line.
type Match struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

// Skipped names a file that could not be fully searched.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the search.find result.
type Result struct {
	Matches   []Match   `json:"matches"`
	Truncated bool      `json:"truncated"`
	Skipped   []Skipped `json:"skipped,omitempty"`
}

// Searcher scans one workspace.
type Searcher struct {
	root   *sandbox.Root
	cfg    *policy.Config
	logger *zap.Logger

	now func() time.Time
}

// New creates a Searcher bound to root and cfg.
func New(root *sandbox.Root, cfg *policy.Config, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{root: root, cfg: cfg, logger: logger, now: time.Now}
}

// Find runs a search and collects at most MaxResults matches.
func (s *Searcher) Find(ctx context.Context, opts Options) (*Result, error) {
	limit := opts.MaxResults
	if limit <= 0 || limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	res := &Result{Matches: []Match{}}
	seq, err := s.Matches(ctx, opts, func(sk Skipped) {
		res.Skipped = append(res.Skipped, sk)
	})
	if err != nil {
		return nil, err
	}
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		if len(res.Matches) == limit {
			res.Truncated = true
			break
		}
		res.Matches = append(res.Matches, m)
	}
	return res, nil
}

// Matches returns the lazy match sequence. Files are visited in lexical
// walk order and lines in file order, so the sequence is deterministic for
// an unchanged tree. Stopping the iteration stops the walk. onSkip, if not
// nil, is called for every file that was skipped or cut short.
func (s *Searcher) Matches(ctx context.Context, opts Options, onSkip func(Skipped)) (iter.Seq2[Match, error], error) {
	m, err := compile(opts.Query, opts.Regex, opts.CaseSensitive, s.cfg.SearchFileTimeout)
	if err != nil {
		return nil, err
	}
	for _, pat := range opts.Include {
		if _, err := path.Match(pat, "x"); err != nil {
			return nil, protocol.NewError(protocol.InvalidParams, "invalid include pattern %q: %v", pat, err).
				WithData("pattern", pat)
		}
	}
	if onSkip == nil {
		onSkip = func(Skipped) {}
	}

	scope := opts.Scope
	if scope.IsZero() {
		scope, err = s.root.Resolve(".")
		if err != nil {
			return nil, err
		}
	}

	return func(yield func(Match, error) bool) {
		scope, err := s.root.Reverify(scope)
		if err != nil {
			yield(Match{}, err)
			return
		}

		walkErr := filepath.WalkDir(scope.Abs(), func(abs string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if abs == scope.Abs() {
					return err
				}
				s.logger.Debug("search walk error", zap.String("path", s.root.Scrub(abs)), zap.Error(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			rel, ok := s.root.Rel(abs)
			if !ok {
				return nil
			}
			if d.IsDir() {
				if abs != scope.Abs() && (s.cfg.ExcludedName(d.Name()) || !s.reachable(rel)) {
					return fs.SkipDir
				}
				return nil
			}

			target := abs
			if d.Type()&fs.ModeSymlink != 0 {
				resolved, err := s.root.Resolve(rel)
				if err != nil {
					return nil
				}
				if !s.visible(resolved.Rel()) {
					return nil
				}
				target = resolved.Abs()
			}
			if !s.visible(rel) || !included(opts.Include, rel) {
				return nil
			}

			for match, err := range s.scanFile(target, rel, m, onSkip) {
				if err != nil {
					return err
				}
				if !yield(match, nil) {
					return fs.SkipAll
				}
			}
			return nil
		})
		if walkErr != nil {
			yield(Match{}, walkErr)
		}
	}, nil
}

// scanFile yields the matching lines of one file. Files that are binary,
// too large or too slow to scan end the sequence early and are reported
// through onSkip.
func (s *Searcher) scanFile(abs, rel string, m matcher, onSkip func(Skipped)) iter.Seq2[Match, error] {
	return func(yield func(Match, error) bool) {
		f, err := os.Open(abs)
		if err != nil {
			onSkip(Skipped{Path: rel, Reason: SkipUnreadable})
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		if info.Size() > s.cfg.MaxFileSize {
			onSkip(Skipped{Path: rel, Reason: SkipTooLarge})
			return
		}

		br := bufio.NewReaderSize(f, 64<<10)
		head, err := br.Peek(binarySniffLen)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			onSkip(Skipped{Path: rel, Reason: SkipUnreadable})
			return
		}
		if bytes.IndexByte(head, 0) >= 0 {
			return
		}

		deadline := s.now().Add(s.cfg.SearchFileTimeout)
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 0, 64<<10), maxLineLen)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if s.now().After(deadline) {
				onSkip(Skipped{Path: rel, Reason: SkipTimeout})
				return
			}
			line := strings.TrimSuffix(scanner.Text(), "\r")
			col, err := m.find(line)
			if err != nil {
				onSkip(Skipped{Path: rel, Reason: SkipTimeout})
				return
			}
			if col == 0 {
				continue
			}
			if !yield(Match{Path: rel, Line: lineNo, Column: col, Text: clip(line)}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			reason := SkipUnreadable
			if errors.Is(err, bufio.ErrTooLong) {
				reason = SkipLineTooLong
			}
			onSkip(Skipped{Path: rel, Reason: reason})
		}
	}
}

// visible reports whether a file at rel may be searched.
func (s *Searcher) visible(rel string) bool {
	return s.cfg.PathAllowed(rel) && !s.cfg.Excluded(rel)
}

// reachable reports whether the directory rel is allowed or lies on the way
// to an allowed prefix.
func (s *Searcher) reachable(rel string) bool {
	if s.cfg.PathAllowed(rel) {
		return true
	}
	for _, prefix := range s.cfg.AllowedPaths {
		prefix = path.Clean(prefix)
		if rel == "." || strings.HasPrefix(prefix, rel+"/") {
			return true
		}
	}
	return false
}

func included(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := path.Base(rel)
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// clip shortens line to maxTextLen bytes without splitting a rune.
func clip(line string) string {
	if len(line) <= maxTextLen {
		return line
	}
	cut := maxTextLen
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}
