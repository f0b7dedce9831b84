package mcpbridge

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lydakis/cws/internal/protocol"
)

// toolSpec binds one protocol method to its MCP tool definition.
type toolSpec struct {
	method string
	tool   mcp.Tool
}

// ToolName maps a protocol method onto its tool name (fs.read -> fs_read).
func ToolName(method string) string {
	return strings.ReplaceAll(method, ".", "_")
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "minimum": 0, "description": desc}
}

func stringList(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

var confirmedProp = boolean("Set to true to confirm an operation the policy gates")

var position = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"line":      integer("0-based line"),
		"character": integer("0-based byte offset within the line"),
	},
	"required": []string{"line", "character"},
}

func newTool(method, desc string, annotations mcp.ToolAnnotation, props map[string]any, required ...string) toolSpec {
	if props == nil {
		props = map[string]any{}
	}
	return toolSpec{
		method: method,
		tool: mcp.Tool{
			Name:        ToolName(method),
			Description: desc,
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
			Annotations: annotations,
		},
	}
}

var (
	readOnly    = mcp.ToolAnnotation{ReadOnlyHint: mcp.ToBoolPtr(true), OpenWorldHint: mcp.ToBoolPtr(false)}
	mutating    = mcp.ToolAnnotation{ReadOnlyHint: mcp.ToBoolPtr(false), DestructiveHint: mcp.ToBoolPtr(false), OpenWorldHint: mcp.ToBoolPtr(false)}
	destructive = mcp.ToolAnnotation{ReadOnlyHint: mcp.ToBoolPtr(false), DestructiveHint: mcp.ToBoolPtr(true), OpenWorldHint: mcp.ToBoolPtr(false)}
)

// toolSpecs covers every method except initialize, which MCP handles
// itself.
var toolSpecs = []toolSpec{
	newTool(protocol.MethodCapabilities, "Describe the workspace policy: methods, confirmation rules, allowed commands and limits.", readOnly, map[string]any{
		"confirmed": confirmedProp,
	}),
	newTool(protocol.MethodFSRead, "Read a workspace file. Text comes back as utf-8, anything else as base64.", readOnly, map[string]any{
		"path":      str("Workspace-relative file path"),
		"confirmed": confirmedProp,
	}, "path"),
	newTool(protocol.MethodFSWrite, "Write a workspace file, replacing its contents.", mutating, map[string]any{
		"path":       str("Workspace-relative file path"),
		"contents":   str("New file contents"),
		"encoding":   map[string]any{"type": "string", "enum": []string{"utf-8", "base64"}},
		"atomic":     boolean("Write through a temporary file and rename"),
		"createDirs": boolean("Create missing parent directories (default true)"),
		"ifMatch":    str("Only write if the current content hash equals this value"),
		"confirmed":  confirmedProp,
	}, "path", "contents"),
	newTool(protocol.MethodFSEdit, "Apply text edits to a file. All edits are checked before any is applied.", mutating, map[string]any{
		"path": str("Workspace-relative file path"),
		"edits": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"range": map[string]any{
						"type":       "object",
						"properties": map[string]any{"start": position, "end": position},
						"required":   []string{"start", "end"},
					},
					"newText": str("Replacement text"),
				},
				"required": []string{"range", "newText"},
			},
		},
		"ifMatch":   str("Only edit if the current content hash equals this value"),
		"confirmed": confirmedProp,
	}, "path", "edits"),
	newTool(protocol.MethodFSDelete, "Delete a file or directory.", destructive, map[string]any{
		"path":      str("Workspace-relative path"),
		"recursive": boolean("Delete a non-empty directory"),
		"confirmed": confirmedProp,
	}, "path"),
	newTool(protocol.MethodFSMove, "Move or rename a file or directory inside the workspace.", destructive, map[string]any{
		"source":      str("Workspace-relative source path"),
		"destination": str("Workspace-relative destination path"),
		"overwrite":   boolean("Replace an existing destination"),
		"confirmed":   confirmedProp,
	}, "source", "destination"),
	newTool(protocol.MethodFSList, "List a directory.", readOnly, map[string]any{
		"path":       str("Workspace-relative directory (default \".\")"),
		"recursive":  boolean("Descend into subdirectories"),
		"maxEntries": integer("Entry cap (default 1000)"),
		"confirmed":  confirmedProp,
	}),
	newTool(protocol.MethodSearchFind, "Search workspace files for a literal string or regular expression.", readOnly, map[string]any{
		"query": str("Text or pattern to find"),
		"options": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"regex":         boolean("Treat query as an ECMAScript regular expression"),
				"caseSensitive": boolean("Match case (default true)"),
				"maxResults":    integer("Result cap"),
				"path":          str("Directory or file to search"),
				"include":       stringList("Glob patterns restricting searched files"),
			},
		},
		"confirmed": confirmedProp,
	}, "query"),
	newTool(protocol.MethodTaskRun, "Run an allowed command in the workspace.", destructive, map[string]any{
		"command":   str("Program to run"),
		"args":      stringList("Arguments"),
		"cwd":       str("Workspace-relative working directory"),
		"timeoutMs": integer("Kill the task after this many milliseconds"),
		"confirmed": confirmedProp,
	}, "command"),
	newTool(protocol.MethodTaskTest, "Run the workspace's configured test command.", destructive, map[string]any{
		"args":      stringList("Extra arguments appended to the configured ones"),
		"cwd":       str("Workspace-relative working directory"),
		"timeoutMs": integer("Kill the task after this many milliseconds"),
		"confirmed": confirmedProp,
	}),
}
