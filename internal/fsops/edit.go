package fsops

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// Position is a zero-based line and a byte offset within that line.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit replaces Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// EditResult is the fs.edit result.
type EditResult struct {
	Path         string `json:"path"`
	EditsApplied int    `json:"editsApplied"`
	Size         int    `json:"size"`
	Hash         string `json:"hash"`
}

// Edit applies edits to the file at p. Every edit is checked against the
// current content first; if any is out of range or overlaps another, the
// file is left untouched.
func (s *Service) Edit(_ context.Context, p sandbox.Path, edits []TextEdit, ifMatch string) (*EditResult, error) {
	unlock := s.locks.lock(p.Abs())
	defer unlock()

	p, err := s.root.Reverify(p)
	if err != nil {
		return nil, err
	}

	data, err := s.readLimited(p, s.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" {
		if got := Hash(data); got != ifMatch {
			return nil, protocol.NewError(protocol.Conflict, "%s changed since it was read", p.Rel()).
				WithData("path", p.Rel()).
				WithData("expected", ifMatch).
				WithData("actual", got)
		}
	}

	out, err := ApplyEdits(data, edits)
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > s.cfg.MaxFileSize {
		return nil, sizeError(p, int64(len(out)), s.cfg.MaxFileSize)
	}

	if err := writeAtomic(p.Abs(), out, existingPerm(p.Abs())); err != nil {
		return nil, fmt.Errorf("writing %s: %w", p.Rel(), err)
	}
	return &EditResult{
		Path:         p.Rel(),
		EditsApplied: len(edits),
		Size:         len(out),
		Hash:         Hash(out),
	}, nil
}

type span struct {
	start, end int
	index      int
	text       string
}

// ApplyEdits returns data with edits applied. Edits are addressed against
// the original content and may be given in any order. Insertions at the
// same offset keep their input order and land before a replacement that
// starts there.
func ApplyEdits(data []byte, edits []TextEdit) ([]byte, error) {
	lines := lineStarts(data)

	spans := make([]span, len(edits))
	for i, e := range edits {
		start, err := offsetOf(data, lines, e.Range.Start)
		if err != nil {
			return nil, editError(i, "start", err)
		}
		end, err := offsetOf(data, lines, e.Range.End)
		if err != nil {
			return nil, editError(i, "end", err)
		}
		if end < start {
			return nil, protocol.NewError(protocol.InvalidParams, "edits[%d]: range end is before start", i).
				WithData("edit", i)
		}
		spans[i] = span{start: start, end: end, index: i, text: e.NewText}
	}

	sort.SliceStable(spans, func(a, b int) bool {
		if spans[a].start != spans[b].start {
			return spans[a].start < spans[b].start
		}
		return spans[a].end < spans[b].end
	})
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.start < prev.end {
			return nil, protocol.NewError(protocol.InvalidParams, "edits[%d] overlaps edits[%d]", cur.index, prev.index).
				WithData("edit", cur.index)
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	last := 0
	for _, sp := range spans {
		buf.Write(data[last:sp.start])
		buf.WriteString(sp.text)
		last = sp.end
	}
	buf.Write(data[last:])
	return buf.Bytes(), nil
}

// lineStarts returns the byte offset of the first byte of every line.
func lineStarts(data []byte) []int {
	starts := []int{0}
	for i, b := range data {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func offsetOf(data []byte, lines []int, pos Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, fmt.Errorf("negative position %d:%d", pos.Line, pos.Character)
	}
	if pos.Line >= len(lines) {
		return 0, fmt.Errorf("line %d is past the end of the file (%d lines)", pos.Line, len(lines))
	}
	start := lines[pos.Line]
	end := len(data)
	if pos.Line+1 < len(lines) {
		end = lines[pos.Line+1] - 1
	}
	if pos.Character > end-start {
		return 0, fmt.Errorf("character %d is past the end of line %d (%d bytes)", pos.Character, pos.Line, end-start)
	}
	return start + pos.Character, nil
}

func editError(i int, which string, err error) *protocol.Error {
	return protocol.NewError(protocol.InvalidParams, "edits[%d]: %s: %v", i, which, err).
		WithData("edit", i)
}
