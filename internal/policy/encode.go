package policy

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// WriteTOML writes c in policy.toml form with every default spelled out.
func (c *Config) WriteTOML(w io.Writer) error {
	doc := c.document()
	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	return nil
}

func (c *Config) document() *document {
	ms := func(d time.Duration) *int64 {
		v := d.Milliseconds()
		return &v
	}
	i64 := func(v int64) *int64 { return &v }
	list := func(s []string) *[]string {
		out := slices.Clone(s)
		if out == nil {
			out = []string{}
		}
		return &out
	}
	return &document{
		AllowedPaths:        list(c.AllowedPaths),
		ExcludeDirs:         list(c.ExcludeDirs),
		AllowedCommands:     *list(c.AllowedCommands),
		MaxFileSize:         i64(c.MaxFileSize),
		MaxEditSize:         i64(c.MaxEditSize),
		RequireConfirmation: list(c.RequireConfirmation),
		TestCommand:         c.TestCommand,
		TestArgs:            slices.Clone(c.TestArgs),
		TaskTimeoutMs:       ms(c.TaskTimeout),
		MaxTaskTimeoutMs:    ms(c.MaxTaskTimeout),
		MaxOutputBytes:      i64(int64(c.MaxOutputBytes)),
		MaxSearchResults:    i64(int64(c.MaxSearchResults)),
		SearchFileTimeoutMs: ms(c.SearchFileTimeout),
		RequestTimeoutMs:    ms(c.RequestTimeout),
	}
}
