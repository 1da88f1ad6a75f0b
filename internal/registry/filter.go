package registry

import (
	"context"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// WriteToolFilter conditionally hides mutating tools unless explicitly
// enabled. Enable by setting environment variable CALCGRID_ENABLE_WRITES=true.
type WriteToolFilter struct {
	allowWrites bool
}

// NewWriteToolFilterFromEnv constructs a filter using CALCGRID_ENABLE_WRITES.
func NewWriteToolFilterFromEnv() *WriteToolFilter {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("CALCGRID_ENABLE_WRITES")))
	allow := v == "1" || v == "true" || v == "yes"
	return &WriteToolFilter{allowWrites: allow}
}

// mutating tools hidden in read-only mode.
var writeTools = map[string]struct{}{
	"set_cell":      {},
	"set_range":     {},
	"undo":          {},
	"redo":          {},
	"save_workbook": {},
	"run_macro":     {},
}

// FilterTools implements server tool filtering semantics. When writes are
// disabled, mutating tools are excluded from discovery.
func (f *WriteToolFilter) FilterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	if f.allowWrites {
		return tools
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if _, mutating := writeTools[strings.ToLower(t.Name)]; mutating {
			continue
		}
		out = append(out, t)
	}
	return out
}
