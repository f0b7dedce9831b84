package fsops

import (
	"context"
	"encoding/base64"
	"unicode/utf8"

	"github.com/lydakis/cws/internal/sandbox"
)

// ReadResult is the fs.read result.
type ReadResult struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
}

// Read returns the contents of a regular file. Valid UTF-8 is returned as
// text, anything else base64 encoded.
func (s *Service) Read(_ context.Context, p sandbox.Path) (*ReadResult, error) {
	p, err := s.root.Reverify(p)
	if err != nil {
		return nil, err
	}

	data, err := s.readLimited(p, s.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}

	res := &ReadResult{
		Path: p.Rel(),
		Size: int64(len(data)),
		Hash: Hash(data),
	}
	if utf8.Valid(data) {
		res.Contents = string(data)
		res.Encoding = EncodingUTF8
	} else {
		res.Contents = base64.StdEncoding.EncodeToString(data)
		res.Encoding = EncodingBase64
	}
	return res, nil
}
