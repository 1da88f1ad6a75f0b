package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calcgrid/calcgrid/internal/codec"
	"github.com/calcgrid/calcgrid/internal/macro"
	"github.com/calcgrid/calcgrid/internal/runtime"
	"github.com/calcgrid/calcgrid/internal/security"
	"github.com/calcgrid/calcgrid/internal/sheet"
	"github.com/calcgrid/calcgrid/internal/state"
	"github.com/calcgrid/calcgrid/pkg/apperr"
	"github.com/calcgrid/calcgrid/pkg/pagination"
	"github.com/calcgrid/calcgrid/pkg/validation"
)

// --- Input / Output Schemas (typed for discovery) ---

// SheetInfoOut identifies one sheet.
type SheetInfoOut struct {
	ID   string `json:"id" jsonschema_description:"Stable sheet ID used by cell tools"`
	Name string `json:"name" jsonschema_description:"Sheet display name"`
}

// WorkbookInfoOutput summarizes the loaded workbook.
type WorkbookInfoOutput struct {
	Path   string         `json:"path,omitempty"`
	Sheets []SheetInfoOut `json:"sheets"`
	Dirty  bool           `json:"dirty"`
}

// CellUpdateOut is one externally visible cell change. Rows and columns are
// 1-indexed on the wire.
type CellUpdateOut struct {
	SheetID string `json:"sheet_id"`
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	Value   any    `json:"value"`
	Formula string `json:"formula,omitempty"`
	Display string `json:"display"`
}

// CellOut is the read view of one cell.
type CellOut struct {
	Value   any    `json:"value"`
	Formula string `json:"formula,omitempty"`
	Display string `json:"display"`
}

// NewWorkbookInput creates an empty workbook.
type NewWorkbookInput struct {
	SheetName string `json:"sheet_name,omitempty" jsonschema_description:"Name of the initial sheet (default Sheet1)"`
}

// OpenWorkbookInput loads a workbook from an allowed path.
type OpenWorkbookInput struct {
	Path string `json:"path" validate:"required,workbook_ext" jsonschema_description:"Absolute or allowed path to a workbook (.xlsx, .xlsm)"`
}

// SaveWorkbookInput writes the workbook back to disk.
type SaveWorkbookInput struct {
	Path string `json:"path,omitempty" validate:"omitempty,workbook_ext" jsonschema_description:"Target path; defaults to the origin path"`
}

// GetCellInput reads one cell. 1-indexed.
type GetCellInput struct {
	SheetID string `json:"sheet_id" validate:"required" jsonschema_description:"Sheet ID from workbook_info"`
	Row     int    `json:"row" validate:"min=1" jsonschema_description:"1-indexed row"`
	Col     int    `json:"col" validate:"min=1" jsonschema_description:"1-indexed column"`
}

// GetRangeInput reads a rectangle, optionally paged by cursor.
type GetRangeInput struct {
	SheetID  string `json:"sheet_id,omitempty" jsonschema_description:"Sheet ID from workbook_info"`
	StartRow int    `json:"start_row,omitempty" jsonschema_description:"1-indexed first row"`
	StartCol int    `json:"start_col,omitempty" jsonschema_description:"1-indexed first column"`
	EndRow   int    `json:"end_row,omitempty" jsonschema_description:"1-indexed last row (inclusive)"`
	EndCol   int    `json:"end_col,omitempty" jsonschema_description:"1-indexed last column (inclusive)"`
	PageRows int    `json:"page_rows,omitempty" jsonschema_description:"Max rows per page (bounded by cell budget)"`
	Cursor   string `json:"cursor,omitempty" jsonschema_description:"Opaque pagination cursor; takes precedence over the rectangle"`
}

// PageMeta captures paging/truncation metadata.
type PageMeta struct {
	Total      int    `json:"total"`
	Returned   int    `json:"returned"`
	Truncated  bool   `json:"truncated"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// GetRangeOutput is a page of rows.
type GetRangeOutput struct {
	SheetID string      `json:"sheet_id"`
	Rows    [][]CellOut `json:"rows"`
	Meta    PageMeta    `json:"meta"`
}

// SetCellInput edits one cell. Formula takes precedence over value.
type SetCellInput struct {
	SheetID string `json:"sheet_id" validate:"required" jsonschema_description:"Sheet ID from workbook_info"`
	Row     int    `json:"row" validate:"min=1" jsonschema_description:"1-indexed row"`
	Col     int    `json:"col" validate:"min=1" jsonschema_description:"1-indexed column"`
	Value   any    `json:"value,omitempty" jsonschema_description:"Literal value; null clears"`
	Formula string `json:"formula,omitempty" validate:"omitempty,formula" jsonschema_description:"Formula text, with or without leading '='"`
}

// CellWrite is one cell of a set_range payload.
type CellWrite struct {
	Value   any    `json:"value,omitempty"`
	Formula string `json:"formula,omitempty"`
}

// SetRangeInput edits a rectangle in one undoable batch.
type SetRangeInput struct {
	SheetID  string        `json:"sheet_id" validate:"required" jsonschema_description:"Sheet ID from workbook_info"`
	StartRow int           `json:"start_row" validate:"min=1" jsonschema_description:"1-indexed first row"`
	StartCol int           `json:"start_col" validate:"min=1" jsonschema_description:"1-indexed first column"`
	EndRow   int           `json:"end_row" validate:"min=1" jsonschema_description:"1-indexed last row (inclusive)"`
	EndCol   int           `json:"end_col" validate:"min=1" jsonschema_description:"1-indexed last column (inclusive)"`
	Values   [][]CellWrite `json:"values" validate:"required" jsonschema_description:"Rows of cell writes matching the rectangle dimensions"`
}

// UpdatesOutput carries the update list common to all edit tools.
type UpdatesOutput struct {
	Updates []CellUpdateOut `json:"updates"`
	Dirty   bool            `json:"dirty"`
}

// ListMacrosOutput lists callable procedures.
type ListMacrosOutput struct {
	Macros []macro.MacroInfo `json:"macros"`
}

// RunMacroInput executes one macro procedure under the sandbox.
type RunMacroInput struct {
	MacroID     string   `json:"macro_id" validate:"required" jsonschema_description:"Procedure name from list_macros"`
	Permissions []string `json:"permissions,omitempty" validate:"dive,macro_permission" jsonschema_description:"Granted permissions: filesystem_read, filesystem_write, network, object_creation"`
	TimeoutMs   int      `json:"timeout_ms,omitempty" validate:"min=0" jsonschema_description:"Sandbox execution time limit in milliseconds"`
}

// RunMacroOutput reports the invocation outcome.
type RunMacroOutput struct {
	OK                bool                     `json:"ok"`
	Output            []string                 `json:"output"`
	Updates           []CellUpdateOut          `json:"updates"`
	Error             string                   `json:"error,omitempty"`
	PermissionRequest *macro.PermissionRequest `json:"permission_request,omitempty"`
}

// RegisterTools defines the tool surface over the shared session.
func RegisterTools(s *server.MCPServer, reg *Registry, limits runtime.Limits, sess *Session, secMgr *security.Manager, audit *macro.AuditSink) {
	caps := macro.Caps{
		MaxOutputLines: limits.MaxMacroOutputLines,
		MaxOutputBytes: limits.MaxMacroOutputBytes,
		MaxLineBytes:   limits.MaxMacroLineBytes,
		MaxUpdates:     limits.MaxMacroUpdates,
	}

	// new_workbook
	newWorkbook := mcp.NewTool(
		"new_workbook",
		mcp.WithDescription("Create an empty in-memory workbook with one sheet, replacing any loaded workbook"),
		mcp.WithString("sheet_name", mcp.DefaultString("Sheet1"), mcp.Description("Name of the initial sheet")),
		mcp.WithOutputSchema[WorkbookInfoOutput](),
	)
	s.AddTool(newWorkbook, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in NewWorkbookInput) (*mcp.CallToolResult, error) {
		name := strings.TrimSpace(in.SheetName)
		if name == "" {
			name = "Sheet1"
		}
		var out WorkbookInfoOutput
		_ = sess.With(func(st *state.AppState, host *macro.Host) error {
			wb := sheet.NewEmpty("")
			wb.AddSheet(name)
			info := st.LoadWorkbook(wb)
			host.SyncWithWorkbook(wb)
			out = workbookInfoOut(info, st.HasUnsavedChanges())
			return nil
		})
		return structured(out, fmt.Sprintf("workbook created with sheet %q", name)), nil
	}))
	reg.Register(newWorkbook)

	// open_workbook
	openWorkbook := mcp.NewTool(
		"open_workbook",
		mcp.WithDescription("Load a workbook from disk, replacing any loaded workbook; formulas recompute on load"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute or allowed path to a workbook (.xlsx, .xlsm)")),
		mcp.WithOutputSchema[WorkbookInfoOutput](),
	)
	s.AddTool(openWorkbook, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in OpenWorkbookInput) (*mcp.CallToolResult, error) {
		if msg := validation.ValidateStruct(in); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		canonical, err := secMgr.ValidateOpenPath(in.Path)
		if err != nil {
			return securityError(err), nil
		}
		wb, err := codec.Load(canonical)
		if err != nil {
			return apperr.Wrapf(apperr.OpenFailed, "%v", err), nil
		}
		var out WorkbookInfoOutput
		_ = sess.With(func(st *state.AppState, host *macro.Host) error {
			info := st.LoadWorkbook(wb)
			host.SyncWithWorkbook(wb)
			out = workbookInfoOut(info, st.HasUnsavedChanges())
			return nil
		})
		return structured(out, fmt.Sprintf("opened %s (%d sheets)", canonical, len(out.Sheets))), nil
	}))
	reg.Register(openWorkbook)

	// workbook_info
	workbookInfo := mcp.NewTool(
		"workbook_info",
		mcp.WithDescription("Return the loaded workbook's path, sheets, and dirty flag"),
		mcp.WithOutputSchema[WorkbookInfoOutput](),
	)
	s.AddTool(workbookInfo, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var out WorkbookInfoOutput
		err := sess.With(func(st *state.AppState, _ *macro.Host) error {
			info, err := st.WorkbookInfo()
			if err != nil {
				return err
			}
			out = workbookInfoOut(info, st.HasUnsavedChanges())
			return nil
		})
		if err != nil {
			return stateError(err), nil
		}
		return structured(out, fmt.Sprintf("%d sheets, dirty=%v", len(out.Sheets), out.Dirty)), nil
	})
	reg.Register(workbookInfo)

	// save_workbook
	saveWorkbook := mcp.NewTool(
		"save_workbook",
		mcp.WithDescription("Write the workbook to disk and clear the dirty flag; undo history is preserved"),
		mcp.WithString("path", mcp.Description("Target path; defaults to the origin path")),
		mcp.WithOutputSchema[WorkbookInfoOutput](),
	)
	s.AddTool(saveWorkbook, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in SaveWorkbookInput) (*mcp.CallToolResult, error) {
		if msg := validation.ValidateStruct(in); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		var out WorkbookInfoOutput
		var toolErr *mcp.CallToolResult
		_ = sess.With(func(st *state.AppState, _ *macro.Host) error {
			wb, err := st.Workbook()
			if err != nil {
				toolErr = stateError(err)
				return nil
			}
			target := strings.TrimSpace(in.Path)
			if target == "" {
				target = wb.Path
			}
			if target == "" {
				toolErr = apperr.New(apperr.Validation, "no target path: workbook has no origin path")
				return nil
			}
			canonical, err := secMgr.ValidateSavePath(target)
			if err != nil {
				toolErr = securityError(err)
				return nil
			}
			if err := codec.Save(wb, canonical); err != nil {
				toolErr = apperr.Wrapf(apperr.SaveFailed, "%v", err)
				return nil
			}
			if err := st.MarkSaved(canonical); err != nil {
				toolErr = stateError(err)
				return nil
			}
			info, _ := st.WorkbookInfo()
			out = workbookInfoOut(info, st.HasUnsavedChanges())
			return nil
		})
		if toolErr != nil {
			return toolErr, nil
		}
		return structured(out, fmt.Sprintf("saved to %s", out.Path)), nil
	}))
	reg.Register(saveWorkbook)

	// get_cell
	getCell := mcp.NewTool(
		"get_cell",
		mcp.WithDescription("Read one cell's computed value and formula (1-indexed)"),
		mcp.WithString("sheet_id", mcp.Required(), mcp.Description("Sheet ID from workbook_info")),
		mcp.WithNumber("row", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed row")),
		mcp.WithNumber("col", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed column")),
		mcp.WithOutputSchema[CellOut](),
	)
	s.AddTool(getCell, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in GetCellInput) (*mcp.CallToolResult, error) {
		if msg := validation.ValidateStruct(in); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		var out CellOut
		err := sess.With(func(st *state.AppState, _ *macro.Host) error {
			data, err := st.GetCell(in.SheetID, in.Row-1, in.Col-1)
			if err != nil {
				return err
			}
			out = CellOut{Value: data.Value.AsJSON(), Formula: data.Formula, Display: data.Value.Display()}
			return nil
		})
		if err != nil {
			return stateError(err), nil
		}
		return structured(out, out.Display), nil
	}))
	reg.Register(getCell)

	// get_range
	getRange := mcp.NewTool(
		"get_range",
		mcp.WithDescription("Read a rectangle of cells as rows, paged under the cell budget"),
		mcp.WithString("sheet_id", mcp.Description("Sheet ID from workbook_info")),
		mcp.WithNumber("start_row", mcp.Min(1), mcp.Description("1-indexed first row")),
		mcp.WithNumber("start_col", mcp.Min(1), mcp.Description("1-indexed first column")),
		mcp.WithNumber("end_row", mcp.Min(1), mcp.Description("1-indexed last row (inclusive)")),
		mcp.WithNumber("end_col", mcp.Min(1), mcp.Description("1-indexed last column (inclusive)")),
		mcp.WithNumber("page_rows", mcp.Min(1), mcp.Description("Max rows per page")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor; takes precedence over the rectangle")),
		mcp.WithOutputSchema[GetRangeOutput](),
	)
	s.AddTool(getRange, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in GetRangeInput) (*mcp.CallToolResult, error) {
		return handleGetRange(sess, limits, in)
	}))
	reg.Register(getRange)

	// set_cell
	setCell := mcp.NewTool(
		"set_cell",
		mcp.WithDescription("Edit one cell (1-indexed): formula takes precedence over value, null clears; returns recompute updates"),
		mcp.WithString("sheet_id", mcp.Required(), mcp.Description("Sheet ID from workbook_info")),
		mcp.WithNumber("row", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed row")),
		mcp.WithNumber("col", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed column")),
		mcp.WithString("formula", mcp.Description("Formula text, with or without leading '='")),
		mcp.WithOutputSchema[UpdatesOutput](),
	)
	s.AddTool(setCell, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in SetCellInput) (*mcp.CallToolResult, error) {
		if msg := validation.ValidateStruct(in); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		var out UpdatesOutput
		err := sess.With(func(st *state.AppState, _ *macro.Host) error {
			updates, err := st.SetCell(in.SheetID, in.Row-1, in.Col-1, cellEditFromInput(in.Value, in.Formula))
			if err != nil {
				return err
			}
			out = UpdatesOutput{Updates: updatesOut(updates), Dirty: st.HasUnsavedChanges()}
			return nil
		})
		if err != nil {
			return stateError(err), nil
		}
		return structured(out, fmt.Sprintf("%d cell(s) updated", len(out.Updates))), nil
	}))
	reg.Register(setCell)

	// set_range
	setRange := mcp.NewTool(
		"set_range",
		mcp.WithDescription("Edit a rectangle of cells in one undoable batch; values must match the rectangle dimensions"),
		mcp.WithString("sheet_id", mcp.Required(), mcp.Description("Sheet ID from workbook_info")),
		mcp.WithNumber("start_row", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed first row")),
		mcp.WithNumber("start_col", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed first column")),
		mcp.WithNumber("end_row", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed last row (inclusive)")),
		mcp.WithNumber("end_col", mcp.Required(), mcp.Min(1), mcp.Description("1-indexed last column (inclusive)")),
		mcp.WithArray("values", mcp.Required(), mcp.Description("Rows of {value, formula} objects matching the rectangle")),
		mcp.WithOutputSchema[UpdatesOutput](),
	)
	s.AddTool(setRange, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in SetRangeInput) (*mcp.CallToolResult, error) {
		if msg := validation.ValidateStruct(in); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		edits := make([][]state.CellEdit, len(in.Values))
		for r, row := range in.Values {
			edits[r] = make([]state.CellEdit, len(row))
			for c, w := range row {
				edits[r][c] = cellEditFromInput(w.Value, w.Formula)
			}
		}
		var out UpdatesOutput
		err := sess.With(func(st *state.AppState, _ *macro.Host) error {
			updates, err := st.SetRange(in.SheetID, in.StartRow-1, in.StartCol-1, in.EndRow-1, in.EndCol-1, edits)
			if err != nil {
				return err
			}
			out = UpdatesOutput{Updates: updatesOut(updates), Dirty: st.HasUnsavedChanges()}
			return nil
		})
		if err != nil {
			return stateError(err), nil
		}
		return structured(out, fmt.Sprintf("%d cell(s) updated", len(out.Updates))), nil
	}))
	reg.Register(setRange)

	// undo / redo / recalculate
	for _, def := range []struct {
		name, desc string
		op         func(*state.AppState) ([]state.CellUpdate, error)
	}{
		{"undo", "Revert the most recent edit; computed values re-derive through the engine", (*state.AppState).Undo},
		{"redo", "Reapply the most recently undone edit", (*state.AppState).Redo},
		{"recalculate", "Recompute every formula cell from scratch", (*state.AppState).RecalculateAll},
	} {
		tool := mcp.NewTool(
			def.name,
			mcp.WithDescription(def.desc),
			mcp.WithOutputSchema[UpdatesOutput](),
		)
		op := def.op
		s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var out UpdatesOutput
			err := sess.With(func(st *state.AppState, _ *macro.Host) error {
				updates, err := op(st)
				if err != nil {
					return err
				}
				out = UpdatesOutput{Updates: updatesOut(updates), Dirty: st.HasUnsavedChanges()}
				return nil
			})
			if err != nil {
				return stateError(err), nil
			}
			return structured(out, fmt.Sprintf("%d cell(s) updated", len(out.Updates))), nil
		})
		reg.Register(tool)
	}

	// list_macros
	listMacros := mcp.NewTool(
		"list_macros",
		mcp.WithDescription("List callable macro procedures embedded in the workbook"),
		mcp.WithOutputSchema[ListMacrosOutput](),
	)
	s.AddTool(listMacros, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var out ListMacrosOutput
		var toolErr *mcp.CallToolResult
		_ = sess.With(func(st *state.AppState, host *macro.Host) error {
			wb, err := st.Workbook()
			if err != nil {
				toolErr = stateError(err)
				return nil
			}
			macros, err := host.ListMacros(wb)
			if err != nil {
				toolErr = macroError(err)
				return nil
			}
			out.Macros = macros
			return nil
		})
		if toolErr != nil {
			return toolErr, nil
		}
		return structured(out, fmt.Sprintf("%d macro(s)", len(out.Macros))), nil
	})
	reg.Register(listMacros)

	// run_macro
	runMacro := mcp.NewTool(
		"run_macro",
		mcp.WithDescription("Execute one macro procedure under the sandbox; output and update fanout are capped"),
		mcp.WithString("macro_id", mcp.Required(), mcp.Description("Procedure name from list_macros")),
		mcp.WithArray("permissions", mcp.Description("Granted permissions: filesystem_read, filesystem_write, network, object_creation")),
		mcp.WithNumber("timeout_ms", mcp.Min(0), mcp.Description("Sandbox execution time limit in milliseconds")),
		mcp.WithOutputSchema[RunMacroOutput](),
	)
	s.AddTool(runMacro, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in RunMacroInput) (*mcp.CallToolResult, error) {
		if msg := validation.ValidateStruct(in); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		opts := macro.ExecutionOptions{Timeout: limits.MacroTimeout}
		if in.TimeoutMs > 0 {
			opts.Timeout = time.Duration(in.TimeoutMs) * time.Millisecond
		}
		for _, p := range in.Permissions {
			opts.Permissions = append(opts.Permissions, macro.PermissionGrant(p))
		}

		var out RunMacroOutput
		var toolErr *mcp.CallToolResult
		_ = sess.With(func(st *state.AppState, host *macro.Host) error {
			wb, err := st.Workbook()
			if err != nil {
				toolErr = stateError(err)
				return nil
			}
			host.SyncWithWorkbook(wb)
			program, err := host.Program(wb)
			if err != nil {
				toolErr = macroError(err)
				return nil
			}
			if program == nil {
				toolErr = apperr.New(apperr.MacroNotAvailable, "workbook embeds no macro project")
				return nil
			}
			outcome, newCtx, err := macro.ExecuteInvocation(
				st, host.Engine(), program, host.RuntimeContext(), wb.Path,
				macro.Invocation{Kind: macro.InvokeProcedure, Proc: in.MacroID},
				opts, caps, audit,
			)
			if err != nil {
				toolErr = macroError(err)
				return nil
			}
			host.SetRuntimeContext(newCtx)
			out = RunMacroOutput{
				OK:                outcome.OK,
				Output:            outcome.Output,
				Updates:           updatesOut(outcome.Updates),
				Error:             outcome.Error,
				PermissionRequest: outcome.PermissionRequest,
			}
			return nil
		})
		if toolErr != nil {
			return toolErr, nil
		}
		summary := fmt.Sprintf("ok=%v updates=%d output_lines=%d", out.OK, len(out.Updates), len(out.Output))
		return structured(out, summary), nil
	}))
	reg.Register(runMacro)
}

func handleGetRange(sess *Session, limits runtime.Limits, in GetRangeInput) (*mcp.CallToolResult, error) {
	var out GetRangeOutput
	var toolErr *mcp.CallToolResult
	_ = sess.With(func(st *state.AppState, _ *macro.Host) error {
		sheetID := strings.TrimSpace(in.SheetID)
		r1, c1, r2, c2 := in.StartRow, in.StartCol, in.EndRow, in.EndCol
		offset := 0
		pageRows := in.PageRows

		if cur := strings.TrimSpace(in.Cursor); cur != "" {
			c, err := pagination.DecodeCursor(cur)
			if err != nil {
				toolErr = apperr.Wrapf(apperr.CursorInvalid, "%v", err)
				return nil
			}
			if c.Sv != st.Version() {
				toolErr = apperr.New(apperr.CursorInvalid, "workbook changed since cursor was issued")
				return nil
			}
			sheetID, r1, c1, r2, c2 = c.Sid, c.R1, c.C1, c.R2, c.C2
			offset, pageRows = c.Off, c.Ps
		}

		if sheetID == "" || r1 < 1 || c1 < 1 || r2 < r1 || c2 < c1 {
			toolErr = apperr.New(apperr.InvalidRange, fmt.Sprintf("rectangle (%d,%d)-(%d,%d)", r1, c1, r2, c2))
			return nil
		}

		cols := c2 - c1 + 1
		maxRows := limits.MaxRangeCellsPerPage / cols
		if maxRows < 1 {
			maxRows = 1
		}
		if pageRows <= 0 || pageRows > maxRows {
			pageRows = maxRows
		}

		total := r2 - r1 + 1
		if offset >= total {
			out = GetRangeOutput{SheetID: sheetID, Rows: [][]CellOut{}, Meta: PageMeta{Total: total}}
			return nil
		}

		pageEnd := r1 + offset + pageRows - 1
		if pageEnd > r2 {
			pageEnd = r2
		}
		rows, err := st.GetRange(sheetID, r1+offset-1, c1-1, pageEnd-1, c2-1)
		if err != nil {
			toolErr = stateError(err)
			return nil
		}

		outRows := make([][]CellOut, len(rows))
		for i, row := range rows {
			outRows[i] = make([]CellOut, len(row))
			for j, cell := range row {
				outRows[i][j] = CellOut{Value: cell.Value.AsJSON(), Formula: cell.Formula, Display: cell.Value.Display()}
			}
		}

		meta := PageMeta{Total: total, Returned: len(rows)}
		if pageEnd < r2 {
			meta.Truncated = true
			tok, err := pagination.EncodeCursor(pagination.Cursor{
				Sid: sheetID, R1: r1, C1: c1, R2: r2, C2: c2,
				Off: pagination.NextOffset(offset, len(rows)),
				Ps:  pageRows,
				Sv:  st.Version(),
			})
			if err == nil {
				meta.NextCursor = tok
			}
		}
		out = GetRangeOutput{SheetID: sheetID, Rows: outRows, Meta: meta}
		return nil
	})
	if toolErr != nil {
		return toolErr, nil
	}
	summary := fmt.Sprintf("rows=%d total=%d truncated=%v", out.Meta.Returned, out.Meta.Total, out.Meta.Truncated)
	return structured(out, summary), nil
}

// --- helpers ---

func structured(out any, summary string) *mcp.CallToolResult {
	res := mcp.NewToolResultStructured(out, summary)
	// Ensure clients that ignore structured content still see the summary.
	res.Content = []mcp.Content{mcp.NewTextContent(summary)}
	return res
}

func workbookInfoOut(info state.WorkbookInfo, dirty bool) WorkbookInfoOutput {
	out := WorkbookInfoOutput{Path: info.Path, Dirty: dirty, Sheets: make([]SheetInfoOut, 0, len(info.Sheets))}
	for _, s := range info.Sheets {
		out.Sheets = append(out.Sheets, SheetInfoOut{ID: s.ID, Name: s.Name})
	}
	return out
}

func updatesOut(updates []state.CellUpdate) []CellUpdateOut {
	out := make([]CellUpdateOut, 0, len(updates))
	for _, u := range updates {
		out = append(out, CellUpdateOut{
			SheetID: u.SheetID,
			Row:     u.Row + 1,
			Col:     u.Col + 1,
			Value:   u.Value.AsJSON(),
			Formula: u.Formula,
			Display: u.Value.Display(),
		})
	}
	return out
}

func cellEditFromInput(value any, formula string) state.CellEdit {
	edit := state.CellEdit{Formula: formula}
	if value != nil {
		v := sheet.FromJSON(value)
		edit.Value = &v
	}
	return edit
}

// stateError maps AppState errors onto catalog codes.
func stateError(err error) *mcp.CallToolResult {
	var unknownSheet *state.UnknownSheetError
	var invalidRange *state.InvalidRangeError
	switch {
	case errors.Is(err, state.ErrNoWorkbook):
		return apperr.New(apperr.NoWorkbook, "")
	case errors.Is(err, state.ErrNoUndoHistory):
		return apperr.New(apperr.NoUndoHistory, "")
	case errors.Is(err, state.ErrNoRedoHistory):
		return apperr.New(apperr.NoRedoHistory, "")
	case errors.As(err, &unknownSheet):
		return apperr.Wrapf(apperr.UnknownSheet, "%v", err)
	case errors.As(err, &invalidRange):
		return apperr.Wrapf(apperr.InvalidRange, "%v", err)
	default:
		return apperr.Wrapf(apperr.ReadFailed, "%v", err)
	}
}

// macroError maps macro host errors onto catalog codes.
func macroError(err error) *mcp.CallToolResult {
	var projectParse *macro.ProjectParseError
	var programParse *macro.ProgramParseError
	switch {
	case errors.Is(err, macro.ErrRuntimeNotConfig):
		return apperr.New(apperr.MacroNotAvailable, "")
	case errors.Is(err, macro.ErrNoWorkbook):
		return apperr.New(apperr.NoWorkbook, "")
	case errors.As(err, &projectParse), errors.As(err, &programParse):
		return apperr.Wrapf(apperr.MacroParseFailed, "%v", err)
	default:
		return apperr.Wrapf(apperr.MacroRuntime, "%v", err)
	}
}

func securityError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, security.ErrUnsupportedExtension):
		return apperr.New(apperr.UnsupportedFormat, "")
	case errors.Is(err, security.ErrNotAllowed):
		return apperr.New(apperr.PermissionDenied, "")
	case errors.Is(err, security.ErrNotFound):
		return apperr.Wrapf(apperr.OpenFailed, "file not found")
	default:
		return apperr.Wrapf(apperr.OpenFailed, "%v", err)
	}
}
