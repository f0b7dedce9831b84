package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lydakis/cws/internal/fsops"
	"github.com/lydakis/cws/internal/policy"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/search"
	"github.com/lydakis/cws/internal/task"
)

// params is the decoded parameter set of one method. Each method has its
// own concrete type; nothing downstream of decoding sees raw JSON.
type params interface {
	// validate checks the shape of the parameters. Policy is not consulted.
	validate() error
	// action describes the request to the policy engine.
	action() policy.Action
	// handle runs the method. It is only called after the engine allowed
	// the action.
	handle(ctx context.Context, d *Dispatcher) (any, error)
}

var registry = map[string]func() params{
	protocol.MethodInitialize:   func() params { return &initializeParams{} },
	protocol.MethodCapabilities: func() params { return &capabilitiesParams{} },
	protocol.MethodFSRead:       func() params { return &readParams{} },
	protocol.MethodFSWrite:      func() params { return &writeParams{} },
	protocol.MethodFSEdit:       func() params { return &editParams{} },
	protocol.MethodFSDelete:     func() params { return &deleteParams{} },
	protocol.MethodFSMove:       func() params { return &moveParams{} },
	protocol.MethodFSList:       func() params { return &listParams{} },
	protocol.MethodSearchFind:   func() params { return &findParams{} },
	protocol.MethodTaskRun:      func() params { return &runParams{} },
	protocol.MethodTaskTest:     func() params { return &testParams{} },
}

// decodeParams fills p from raw and validates it. Missing or null params
// decode as the zero value.
func decodeParams(raw json.RawMessage, p params) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return paramsError(err)
		}
	}
	return p.validate()
}

func paramsError(err error) *protocol.Error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return protocol.NewError(protocol.InvalidParams, "field %q must not be a %s", typeErr.Field, typeErr.Value).
			WithData("field", typeErr.Field)
	}
	msg := strings.TrimPrefix(err.Error(), "json: ")
	return protocol.NewError(protocol.InvalidParams, "invalid params: %s", msg)
}

func required(field, value string) error {
	if value == "" {
		return protocol.NewError(protocol.InvalidParams, "%s is required", field).WithData("field", field)
	}
	return nil
}

func nonNegative(field string, v int64) error {
	if v < 0 {
		return protocol.NewError(protocol.InvalidParams, "%s must not be negative", field).WithData("field", field)
	}
	return nil
}

func noSizes(a policy.Action) policy.Action {
	a.WriteSize = -1
	a.EditSize = -1
	return a
}

// confirmable is embedded by every params type, since requireConfirmation
// may gate any method.
type confirmable struct {
	Confirmed bool `json:"confirmed,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string      `json:"protocolVersion,omitempty"`
	ClientInfo      *clientInfo `json:"clientInfo,omitempty"`
	confirmable
}

func (p *initializeParams) validate() error {
	if p.ProtocolVersion != "" {
		major, _, _ := strings.Cut(p.ProtocolVersion, ".")
		if major != "1" {
			return protocol.NewError(protocol.InvalidParams, "unsupported protocol version %q", p.ProtocolVersion).
				WithData("supported", protocol.Version)
		}
	}
	return nil
}

func (p *initializeParams) action() policy.Action {
	return noSizes(policy.Action{Confirmed: p.Confirmed})
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      serverInfo          `json:"serverInfo"`
	Workspace       string              `json:"workspace"`
	Capabilities    *capabilitiesResult `json:"capabilities"`
}

func (p *initializeParams) handle(_ context.Context, d *Dispatcher) (any, error) {
	if p.ClientInfo != nil {
		d.logger.Info("client initialized",
			zap.String("client", p.ClientInfo.Name),
			zap.String("client_version", p.ClientInfo.Version))
	}
	return &initializeResult{
		ProtocolVersion: protocol.Version,
		ServerInfo:      serverInfo{Name: ServerName, Version: d.version},
		Workspace:       d.workspaceName(),
		Capabilities:    d.capabilities(),
	}, nil
}

type capabilitiesParams struct {
	confirmable
}

func (p *capabilitiesParams) validate() error { return nil }

func (p *capabilitiesParams) action() policy.Action {
	return noSizes(policy.Action{Confirmed: p.Confirmed})
}

type capabilitiesResult struct {
	Methods             []string `json:"methods"`
	RequireConfirmation []string `json:"requireConfirmation"`
	AllowedPaths        []string `json:"allowedPaths"`
	AllowedCommands     []string `json:"allowedCommands"`
	MaxFileSize         int64    `json:"maxFileSize"`
	MaxEditSize         int64    `json:"maxEditSize"`
	MaxSearchResults    int      `json:"maxSearchResults"`
	TestCommand         string   `json:"testCommand,omitempty"`
}

func (p *capabilitiesParams) handle(_ context.Context, d *Dispatcher) (any, error) {
	return d.capabilities(), nil
}

type readParams struct {
	Path string `json:"path"`
	confirmable
}

func (p *readParams) validate() error { return required("path", p.Path) }

func (p *readParams) action() policy.Action {
	return noSizes(policy.Action{Paths: []string{p.Path}, Confirmed: p.Confirmed})
}

func (p *readParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	target, err := d.root.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	return d.files.Read(ctx, target)
}

type writeParams struct {
	Path       string `json:"path"`
	Contents   string `json:"contents"`
	Encoding   string `json:"encoding,omitempty"`
	Atomic     bool   `json:"atomic,omitempty"`
	CreateDirs *bool  `json:"createDirs,omitempty"`
	IfMatch    string `json:"ifMatch,omitempty"`
	confirmable

	data []byte
}

func (p *writeParams) validate() error {
	if err := required("path", p.Path); err != nil {
		return err
	}
	data, err := fsops.DecodeContents(p.Contents, p.Encoding)
	if err != nil {
		return err
	}
	p.data = data
	return nil
}

func (p *writeParams) action() policy.Action {
	return policy.Action{
		Paths:     []string{p.Path},
		WriteSize: int64(len(p.data)),
		EditSize:  -1,
		Confirmed: p.Confirmed,
	}
}

func (p *writeParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	target, err := d.root.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	createDirs := p.CreateDirs == nil || *p.CreateDirs
	return d.files.Write(ctx, target, p.data, fsops.WriteOptions{
		Atomic:     p.Atomic,
		CreateDirs: createDirs,
		IfMatch:    p.IfMatch,
	})
}

type editParams struct {
	Path    string           `json:"path"`
	Edits   []fsops.TextEdit `json:"edits"`
	IfMatch string           `json:"ifMatch,omitempty"`
	confirmable
}

func (p *editParams) validate() error {
	if err := required("path", p.Path); err != nil {
		return err
	}
	if len(p.Edits) == 0 {
		return protocol.NewError(protocol.InvalidParams, "edits must not be empty").WithData("field", "edits")
	}
	return nil
}

func (p *editParams) action() policy.Action {
	var size int64
	for _, e := range p.Edits {
		size += int64(len(e.NewText))
	}
	return policy.Action{
		Paths:     []string{p.Path},
		WriteSize: -1,
		EditSize:  size,
		Confirmed: p.Confirmed,
	}
}

func (p *editParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	target, err := d.root.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	return d.files.Edit(ctx, target, p.Edits, p.IfMatch)
}

type deleteParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
	confirmable
}

func (p *deleteParams) validate() error { return required("path", p.Path) }

func (p *deleteParams) action() policy.Action {
	return noSizes(policy.Action{Paths: []string{p.Path}, Confirmed: p.Confirmed})
}

func (p *deleteParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	target, err := d.root.ResolveEntry(p.Path)
	if err != nil {
		return nil, err
	}
	return d.files.Delete(ctx, target, p.Recursive)
}

type moveParams struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Overwrite   bool   `json:"overwrite,omitempty"`
	confirmable
}

func (p *moveParams) validate() error {
	if err := required("source", p.Source); err != nil {
		return err
	}
	return required("destination", p.Destination)
}

func (p *moveParams) action() policy.Action {
	return noSizes(policy.Action{Paths: []string{p.Source, p.Destination}, Confirmed: p.Confirmed})
}

func (p *moveParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	src, err := d.root.ResolveEntry(p.Source)
	if err != nil {
		return nil, err
	}
	dst, err := d.root.ResolveEntry(p.Destination)
	if err != nil {
		return nil, err
	}
	return d.files.Move(ctx, src, dst, p.Overwrite)
}

type listParams struct {
	Path       string `json:"path,omitempty"`
	Recursive  bool   `json:"recursive,omitempty"`
	MaxEntries int    `json:"maxEntries,omitempty"`
	confirmable
}

func (p *listParams) validate() error {
	if p.Path == "" {
		p.Path = "."
	}
	return nonNegative("maxEntries", int64(p.MaxEntries))
}

func (p *listParams) action() policy.Action {
	return noSizes(policy.Action{Paths: []string{p.Path}, Confirmed: p.Confirmed})
}

func (p *listParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	target, err := d.root.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	return d.files.List(ctx, target, p.Recursive, p.MaxEntries)
}

type findOptions struct {
	Regex         bool     `json:"regex,omitempty"`
	CaseSensitive *bool    `json:"caseSensitive,omitempty"`
	MaxResults    int      `json:"maxResults,omitempty"`
	Path          string   `json:"path,omitempty"`
	Include       []string `json:"include,omitempty"`
}

type findParams struct {
	Query   string      `json:"query"`
	Options findOptions `json:"options"`
	confirmable
}

func (p *findParams) validate() error {
	if err := required("query", p.Query); err != nil {
		return err
	}
	return nonNegative("options.maxResults", int64(p.Options.MaxResults))
}

// action leaves Paths empty when no scope is given, so a restricted
// allowedPaths does not deny a whole-workspace search; traversal filters
// by allowedPaths instead.
func (p *findParams) action() policy.Action {
	a := noSizes(policy.Action{Confirmed: p.Confirmed})
	if p.Options.Path != "" {
		a.Paths = []string{p.Options.Path}
	}
	return a
}

func (p *findParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	scope := p.Options.Path
	if scope == "" {
		scope = "."
	}
	target, err := d.root.Resolve(scope)
	if err != nil {
		return nil, err
	}
	caseSensitive := p.Options.CaseSensitive == nil || *p.Options.CaseSensitive
	return d.search.Find(ctx, search.Options{
		Query:         p.Query,
		Regex:         p.Options.Regex,
		CaseSensitive: caseSensitive,
		MaxResults:    p.Options.MaxResults,
		Scope:         target,
		Include:       p.Options.Include,
	})
}

type runParams struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
	confirmable
}

func (p *runParams) validate() error {
	if err := required("command", p.Command); err != nil {
		return err
	}
	return nonNegative("timeoutMs", p.TimeoutMs)
}

func (p *runParams) action() policy.Action {
	a := noSizes(policy.Action{Command: p.Command, Confirmed: p.Confirmed})
	if p.Cwd != "" {
		a.Paths = append(a.Paths, p.Cwd)
	}
	if workspaceCommand(p.Command) {
		a.Paths = append(a.Paths, p.Command)
	}
	return a
}

// workspaceCommand reports whether command names a program inside the
// workspace (./scripts/x.sh) rather than one found on PATH or given as an
// absolute path.
func workspaceCommand(command string) bool {
	return strings.Contains(command, "/") && !filepath.IsAbs(command)
}

func (p *runParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	return d.runTask(ctx, p.Command, p.Args, p.Cwd, p.TimeoutMs)
}

type testParams struct {
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
	confirmable
}

func (p *testParams) validate() error { return nonNegative("timeoutMs", p.TimeoutMs) }

func (p *testParams) action() policy.Action {
	a := noSizes(policy.Action{Confirmed: p.Confirmed})
	if p.Cwd != "" {
		a.Paths = []string{p.Cwd}
	}
	return a
}

func (p *testParams) handle(ctx context.Context, d *Dispatcher) (any, error) {
	cfg := d.engine.Config()
	args := append(append([]string{}, cfg.TestArgs...), p.Args...)
	return d.runTask(ctx, cfg.TestCommand, args, p.Cwd, p.TimeoutMs)
}

func (d *Dispatcher) runTask(ctx context.Context, command string, args []string, cwd string, timeoutMs int64) (*task.Record, error) {
	if cwd == "" {
		cwd = "."
	}
	dir, err := d.root.Resolve(cwd)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []string{}
	}
	timeout := d.engine.Config().ClampTaskTimeout(time.Duration(timeoutMs) * time.Millisecond)
	rec, err := d.tasks.Run(ctx, task.Spec{
		Command: command,
		Args:    args,
		Dir:     dir,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", command, err)
	}
	return rec, nil
}
