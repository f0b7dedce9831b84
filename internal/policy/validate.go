package policy

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/lydakis/cws/internal/protocol"
)

// Validate checks policy invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil policy")
	}

	var errs []error

	for i, p := range cfg.AllowedPaths {
		if err := validateRelPath(p); err != nil {
			errs = append(errs, fmt.Errorf("allowedPaths[%d]: %w", i, err))
		}
	}

	for i, pattern := range cfg.ExcludeDirs {
		if strings.TrimSpace(pattern) == "" {
			errs = append(errs, fmt.Errorf("excludeDirs[%d]: empty pattern", i))
			continue
		}
		if strings.Contains(pattern, "/") {
			errs = append(errs, fmt.Errorf("excludeDirs[%d]: %q must be a directory name pattern, not a path", i, pattern))
			continue
		}
		if _, err := path.Match(pattern, "x"); err != nil {
			errs = append(errs, fmt.Errorf("excludeDirs[%d]: invalid glob %q: %w", i, pattern, err))
		}
	}

	for i, cmd := range cfg.AllowedCommands {
		if strings.TrimSpace(cmd) == "" {
			errs = append(errs, fmt.Errorf("allowedCommands[%d]: empty command", i))
		}
	}

	for i, method := range cfg.RequireConfirmation {
		if !protocol.KnownMethod(method) {
			errs = append(errs, fmt.Errorf("requireConfirmation[%d]: unknown method %q", i, method))
		}
	}

	if cfg.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("maxFileSize: must be > 0, got %d", cfg.MaxFileSize))
	}
	if cfg.MaxEditSize <= 0 {
		errs = append(errs, fmt.Errorf("maxEditSize: must be > 0, got %d", cfg.MaxEditSize))
	}
	if cfg.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("maxOutputBytes: must be > 0, got %d", cfg.MaxOutputBytes))
	}
	if cfg.MaxSearchResults <= 0 {
		errs = append(errs, fmt.Errorf("maxSearchResults: must be > 0, got %d", cfg.MaxSearchResults))
	}
	if cfg.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("taskTimeoutMs: must be > 0, got %d", cfg.TaskTimeout.Milliseconds()))
	}
	if cfg.MaxTaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("maxTaskTimeoutMs: must be > 0, got %d", cfg.MaxTaskTimeout.Milliseconds()))
	} else if cfg.TaskTimeout > cfg.MaxTaskTimeout {
		errs = append(errs, fmt.Errorf("taskTimeoutMs: %d exceeds maxTaskTimeoutMs %d", cfg.TaskTimeout.Milliseconds(), cfg.MaxTaskTimeout.Milliseconds()))
	}
	if cfg.SearchFileTimeout <= 0 {
		errs = append(errs, fmt.Errorf("searchFileTimeoutMs: must be > 0, got %d", cfg.SearchFileTimeout.Milliseconds()))
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("requestTimeoutMs: must be > 0, got %d", cfg.RequestTimeout.Milliseconds()))
	}

	if len(cfg.TestArgs) > 0 && strings.TrimSpace(cfg.TestCommand) == "" {
		errs = append(errs, errors.New("testArgs: set without testCommand"))
	}

	return errors.Join(errs...)
}

func validateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%q must be workspace-relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%q escapes the workspace", p)
	}
	return nil
}
