package registry

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func toolList(names ...string) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, mcp.Tool{Name: n})
	}
	return out
}

func TestWriteToolFilterHidesMutatingTools(t *testing.T) {
	f := &WriteToolFilter{allowWrites: false}
	got := f.FilterTools(context.Background(), toolList(
		"get_cell", "set_cell", "undo", "workbook_info", "run_macro", "list_macros",
	))
	names := make([]string, 0, len(got))
	for _, tool := range got {
		names = append(names, tool.Name)
	}
	require.Equal(t, []string{"get_cell", "workbook_info", "list_macros"}, names)
}

func TestWriteToolFilterPassThrough(t *testing.T) {
	f := &WriteToolFilter{allowWrites: true}
	tools := toolList("get_cell", "set_cell")
	require.Equal(t, tools, f.FilterTools(context.Background(), tools))
}

func TestRegistrySortedListing(t *testing.T) {
	r := New()
	r.Register(mcp.Tool{Name: "zeta"})
	r.Register(mcp.Tool{Name: "alpha"})

	tools, err := r.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.Equal(t, "alpha", tools[0].Name)
	require.Equal(t, "zeta", tools[1].Name)

	_, ok := r.Get("alpha")
	require.True(t, ok)
	_, ok = r.Get("missing")
	require.False(t, ok)
}
