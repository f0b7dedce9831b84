package policy

import (
	"errors"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// Decision is the outcome of an evaluation.
type Decision int

const (
	Allow Decision = iota
	Deny
	RequiresConfirmation
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RequiresConfirmation:
		return "requires_confirmation"
	default:
		return "unknown"
	}
}

// Verdict is an evaluation result. Err is set for every decision other
// than Allow.
type Verdict struct {
	Decision Decision
	Err      *protocol.Error
}

// Action is what the engine needs to know about a decoded request.
type Action struct {
	Method string
	// Paths are the raw path-bearing parameters, as sent by the client.
	Paths []string
	// WriteSize is the size of a whole-file write, or -1.
	WriteSize int64
	// EditSize is the total replacement text of an edit, or -1.
	EditSize int64
	// Command is the program task.run would start.
	Command   string
	Confirmed bool
}

// Engine evaluates actions against an immutable policy. It holds no mutable
// state; evaluating the same action twice yields the same verdict as long as
// the filesystem under the workspace does not change in between.
type Engine struct {
	cfg     *Config
	root    *sandbox.Root
	methods map[string]struct{}
}

// NewEngine creates an engine that knows the given methods.
func NewEngine(cfg *Config, root *sandbox.Root, methods []string) *Engine {
	known := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		known[m] = struct{}{}
	}
	return &Engine{cfg: cfg, root: root, methods: known}
}

// Config returns the policy the engine enforces.
func (e *Engine) Config() *Config {
	return e.cfg
}

// Evaluate applies the decision order: method, paths, sizes, command,
// confirmation.
func (e *Engine) Evaluate(a Action) Verdict {
	if _, ok := e.methods[a.Method]; !ok {
		return deny(protocol.NewError(protocol.MethodNotFound, "unknown method %q", a.Method).
			WithData("method", a.Method))
	}

	for _, raw := range a.Paths {
		if v, denied := e.checkPath(raw); denied {
			return v
		}
	}

	if a.WriteSize >= 0 && a.WriteSize > e.cfg.MaxFileSize {
		return deny(protocol.NewError(protocol.SizeLimitExceeded, "contents exceed maxFileSize").
			WithData("size", a.WriteSize).
			WithData("limit", e.cfg.MaxFileSize))
	}
	if a.EditSize >= 0 && a.EditSize > e.cfg.MaxEditSize {
		return deny(protocol.NewError(protocol.SizeLimitExceeded, "edit exceeds maxEditSize").
			WithData("size", a.EditSize).
			WithData("limit", e.cfg.MaxEditSize))
	}

	switch a.Method {
	case protocol.MethodTaskRun:
		if !e.cfg.CommandAllowed(a.Command) {
			return deny(protocol.NewError(protocol.CommandNotAllowed, "command %q is not allowed", a.Command).
				WithData("command", a.Command))
		}
	case protocol.MethodTaskTest:
		if e.cfg.TestCommand == "" {
			return deny(protocol.NewError(protocol.CommandNotAllowed, "no test command configured"))
		}
	}

	if e.cfg.ConfirmationRequired(a.Method) && !a.Confirmed {
		return Verdict{
			Decision: RequiresConfirmation,
			Err: protocol.NewError(protocol.ConfirmationRequired, "%s requires confirmation; resubmit with confirmed: true", a.Method).
				WithData("method", a.Method),
		}
	}

	return Verdict{Decision: Allow}
}

func (e *Engine) checkPath(raw string) (Verdict, bool) {
	p, err := e.root.Resolve(raw)
	if err != nil {
		if errors.Is(err, sandbox.ErrTraversal) {
			return deny(protocol.NewError(protocol.PathTraversalError, "path escapes the workspace").
				WithData("path", raw)), true
		}
		return deny(protocol.NewError(protocol.InternalError, "%s", e.root.Scrub(err.Error())).
			WithData("path", raw)), true
	}
	if !e.cfg.PathAllowed(p.Rel()) {
		return deny(protocol.NewError(protocol.PolicyViolation, "path is outside the allowed paths").
			WithData("path", raw)), true
	}
	if e.cfg.Excluded(p.Rel()) {
		return deny(protocol.NewError(protocol.PolicyViolation, "path is in an excluded directory").
			WithData("path", raw)), true
	}
	return Verdict{}, false
}

func deny(err *protocol.Error) Verdict {
	return Verdict{Decision: Deny, Err: err}
}
