package policy

import (
	"path"
	"slices"
	"strings"
	"time"

	"github.com/lydakis/cws/internal/protocol"
)

// Defaults applied when the policy file is absent or leaves a field unset.
const (
	DefaultMaxFileSize       int64 = 10 << 20
	DefaultMaxEditSize       int64 = 1 << 20
	DefaultTaskTimeout             = 60 * time.Second
	DefaultMaxTaskTimeout          = 10 * time.Minute
	DefaultMaxOutputBytes          = 1 << 20
	DefaultMaxSearchResults        = 1000
	DefaultSearchFileTimeout       = 2 * time.Second
	DefaultRequestTimeout          = 10 * time.Minute
)

// WildcardCommand opens the command set to every program.
const WildcardCommand = "*"

// Config is the effective policy for one workspace. It is built once at
// startup and must not be modified afterwards.
type Config struct {
	// WorkspaceRoot is the canonical workspace directory.
	WorkspaceRoot string
	// Source is the workspace-relative policy file, empty when defaults apply.
	Source string

	AllowedPaths        []string
	ExcludeDirs         []string
	AllowedCommands     []string
	MaxFileSize         int64
	MaxEditSize         int64
	RequireConfirmation []string

	TestCommand string
	TestArgs    []string

	TaskTimeout       time.Duration
	MaxTaskTimeout    time.Duration
	MaxOutputBytes    int
	MaxSearchResults  int
	SearchFileTimeout time.Duration
	RequestTimeout    time.Duration
}

// Default returns the fail-closed policy used when no policy file exists:
// the whole workspace is reachable, no command may run, and every mutating
// method needs confirmation.
func Default(root string) *Config {
	return &Config{
		WorkspaceRoot:       root,
		AllowedPaths:        []string{"."},
		ExcludeDirs:         []string{".git"},
		AllowedCommands:     []string{},
		MaxFileSize:         DefaultMaxFileSize,
		MaxEditSize:         DefaultMaxEditSize,
		RequireConfirmation: slices.Clone(protocol.MutatingMethods),
		TaskTimeout:         DefaultTaskTimeout,
		MaxTaskTimeout:      DefaultMaxTaskTimeout,
		MaxOutputBytes:      DefaultMaxOutputBytes,
		MaxSearchResults:    DefaultMaxSearchResults,
		SearchFileTimeout:   DefaultSearchFileTimeout,
		RequestTimeout:      DefaultRequestTimeout,
	}
}

// CommandAllowed reports whether task.run may start command.
func (c *Config) CommandAllowed(command string) bool {
	for _, allowed := range c.AllowedCommands {
		if allowed == WildcardCommand || allowed == command {
			return true
		}
	}
	return false
}

// ConfirmationRequired reports whether method needs confirmed: true.
func (c *Config) ConfirmationRequired(method string) bool {
	return slices.Contains(c.RequireConfirmation, method)
}

// PathAllowed reports whether the workspace-relative, slash-separated path
// rel falls under one of the allowed prefixes.
func (c *Config) PathAllowed(rel string) bool {
	for _, prefix := range c.AllowedPaths {
		prefix = strings.TrimSuffix(path.Clean(prefix), "/")
		if prefix == "." || rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// Excluded reports whether any component of rel matches an excluded
// directory pattern.
func (c *Config) Excluded(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, component := range strings.Split(rel, "/") {
		if c.ExcludedName(component) {
			return true
		}
	}
	return false
}

// ExcludedName reports whether a single directory name is excluded.
func (c *Config) ExcludedName(name string) bool {
	for _, pattern := range c.ExcludeDirs {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// ClampTaskTimeout turns a requested task timeout into the effective one.
func (c *Config) ClampTaskTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.TaskTimeout
	}
	if c.MaxTaskTimeout > 0 && requested > c.MaxTaskTimeout {
		return c.MaxTaskTimeout
	}
	return requested
}
