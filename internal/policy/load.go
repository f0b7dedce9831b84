package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Dir is the workspace-relative directory holding the policy file.
const Dir = ".cws"

// Candidate policy files, first match wins.
var sources = []struct {
	name   string
	decode func([]byte, *document) error
}{
	{name: "policy.toml", decode: decodeTOML},
	{name: "policy.json", decode: decodeJSONC},
	{name: "policy.yaml", decode: decodeYAML},
	{name: "policy.yml", decode: decodeYAML},
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigError is a fatal startup error: an unreadable or invalid policy file,
// or a workspace root that does not exist.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("policy: %v", e.Err)
	}
	return fmt.Sprintf("policy %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// document is the on-disk shape shared by every format. Pointer fields
// distinguish "unset" from an explicit empty value.
type document struct {
	AllowedPaths        *[]string `toml:"allowedPaths" json:"allowedPaths" yaml:"allowedPaths"`
	ExcludeDirs         *[]string `toml:"excludeDirs" json:"excludeDirs" yaml:"excludeDirs"`
	AllowedCommands     []string  `toml:"allowedCommands" json:"allowedCommands" yaml:"allowedCommands"`
	MaxFileSize         *int64    `toml:"maxFileSize" json:"maxFileSize" yaml:"maxFileSize"`
	MaxEditSize         *int64    `toml:"maxEditSize" json:"maxEditSize" yaml:"maxEditSize"`
	RequireConfirmation *[]string `toml:"requireConfirmation" json:"requireConfirmation" yaml:"requireConfirmation"`
	TestCommand         string    `toml:"testCommand" json:"testCommand" yaml:"testCommand"`
	TestArgs            []string  `toml:"testArgs" json:"testArgs" yaml:"testArgs"`
	TaskTimeoutMs       *int64    `toml:"taskTimeoutMs" json:"taskTimeoutMs" yaml:"taskTimeoutMs"`
	MaxTaskTimeoutMs    *int64    `toml:"maxTaskTimeoutMs" json:"maxTaskTimeoutMs" yaml:"maxTaskTimeoutMs"`
	MaxOutputBytes      *int64    `toml:"maxOutputBytes" json:"maxOutputBytes" yaml:"maxOutputBytes"`
	MaxSearchResults    *int64    `toml:"maxSearchResults" json:"maxSearchResults" yaml:"maxSearchResults"`
	SearchFileTimeoutMs *int64    `toml:"searchFileTimeoutMs" json:"searchFileTimeoutMs" yaml:"searchFileTimeoutMs"`
	RequestTimeoutMs    *int64    `toml:"requestTimeoutMs" json:"requestTimeoutMs" yaml:"requestTimeoutMs"`
}

// Load reads the workspace policy. When no policy file exists the
// fail-closed Default applies. The returned Config is validated.
func Load(workspaceRoot string) (*Config, error) {
	root, err := canonicalRoot(workspaceRoot)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	for _, src := range sources {
		rel := filepath.ToSlash(filepath.Join(Dir, src.name))
		data, err := os.ReadFile(filepath.Join(root, Dir, src.name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &ConfigError{Path: rel, Err: fmt.Errorf("reading: %w", err)}
		}

		var doc document
		if err := src.decode(data, &doc); err != nil {
			return nil, &ConfigError{Path: rel, Err: fmt.Errorf("parsing: %w", err)}
		}
		cfg := fromDocument(root, &doc)
		cfg.Source = rel
		if err := Validate(cfg); err != nil {
			return nil, &ConfigError{Path: rel, Err: err}
		}
		return cfg, nil
	}

	return Default(root), nil
}

func canonicalRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("workspace root %s: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace root %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace root %s is not a directory", dir)
	}
	return resolved, nil
}

func decodeTOML(data []byte, doc *document) error {
	md, err := toml.Decode(string(data), doc)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func decodeJSONC(data []byte, doc *document) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeYAML(data []byte, doc *document) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func fromDocument(root string, doc *document) *Config {
	cfg := Default(root)

	if doc.AllowedPaths != nil {
		cfg.AllowedPaths = expandAll(*doc.AllowedPaths)
	}
	if doc.ExcludeDirs != nil {
		cfg.ExcludeDirs = slices.Clone(*doc.ExcludeDirs)
	}
	if doc.AllowedCommands != nil {
		cfg.AllowedCommands = expandAll(doc.AllowedCommands)
	}
	if doc.RequireConfirmation != nil {
		cfg.RequireConfirmation = slices.Clone(*doc.RequireConfirmation)
	}
	cfg.TestCommand = expandEnvVars(doc.TestCommand)
	cfg.TestArgs = expandAll(doc.TestArgs)

	setInt64(&cfg.MaxFileSize, doc.MaxFileSize)
	setInt64(&cfg.MaxEditSize, doc.MaxEditSize)
	setInt(&cfg.MaxOutputBytes, doc.MaxOutputBytes)
	setInt(&cfg.MaxSearchResults, doc.MaxSearchResults)
	setMillis(&cfg.TaskTimeout, doc.TaskTimeoutMs)
	setMillis(&cfg.MaxTaskTimeout, doc.MaxTaskTimeoutMs)
	setMillis(&cfg.SearchFileTimeout, doc.SearchFileTimeoutMs)
	setMillis(&cfg.RequestTimeout, doc.RequestTimeoutMs)
	return cfg
}

func setInt64(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int64) {
	if v != nil {
		*dst = int(*v)
	}
}

func setMillis(dst *time.Duration, v *int64) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

func expandAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = expandEnvVars(s)
	}
	return out
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}
