package macro

import (
	"errors"
	"strings"
	"time"

	"github.com/calcgrid/calcgrid/internal/engine"
	"github.com/calcgrid/calcgrid/internal/state"
)

// InvocationKind names the entry point a macro invocation dispatches to.
type InvocationKind string

const (
	InvokeProcedure       InvocationKind = "run_macro"
	InvokeWorkbookOpen    InvocationKind = "workbook_open"
	InvokeWorkbookClose   InvocationKind = "workbook_before_close"
	InvokeWorksheetChange InvocationKind = "worksheet_change"
	InvokeSelectionChange InvocationKind = "selection_change"
)

// Invocation describes what to run: a named procedure or a well-known event.
// Target is meaningful for the worksheet events.
type Invocation struct {
	Kind   InvocationKind
	Proc   string
	Target RangeRef
}

// MacroID names the invocation for audit and permission reporting.
func (inv Invocation) MacroID() string {
	switch inv.Kind {
	case InvokeProcedure:
		return inv.Proc
	case InvokeWorkbookOpen:
		return "Workbook_Open"
	case InvokeWorkbookClose:
		return "Workbook_BeforeClose"
	case InvokeWorksheetChange:
		return "Worksheet_Change"
	case InvokeSelectionChange:
		return "Worksheet_SelectionChange"
	}
	return string(inv.Kind)
}

// ExecutionOptions configure one invocation.
type ExecutionOptions struct {
	Permissions []PermissionGrant
	Timeout     time.Duration
}

// Outcome is the result of one invocation: captured output, the deduplicated
// updates, and error/permission details when the runtime failed.
type Outcome struct {
	OK                bool
	Output            []string
	Updates           []engine.Update
	Error             string
	PermissionRequest *PermissionRequest
}

// ExecuteInvocation runs one macro invocation through the runtime engine:
// builds the sandbox policy and permission checker, emits start/end audit
// events, loans the state to a capped adapter, dispatches to the requested
// entry point, and classifies the result. Partial updates collected before a
// runtime failure are still deduplicated and returned.
func ExecuteInvocation(
	st *state.AppState,
	eng Engine,
	program Program,
	ctx RuntimeContext,
	originPath string,
	inv Invocation,
	opts ExecutionOptions,
	caps Caps,
	audit *AuditSink,
) (Outcome, RuntimeContext, error) {
	if eng == nil {
		return Outcome{}, ctx, ErrRuntimeNotConfig
	}

	policy := SandboxPolicy{}
	if opts.Timeout > 0 {
		policy.MaxExecutionTime = opts.Timeout
	}
	allowed := make(map[Permission]struct{}, len(opts.Permissions))
	for _, grant := range opts.Permissions {
		switch grant {
		case GrantFilesystemRead:
			policy.AllowFilesystemRead = true
		case GrantFilesystemWrite:
			policy.AllowFilesystemWrite = true
		case GrantNetwork:
			policy.AllowNetwork = true
		case GrantObjectCreation:
			policy.AllowObjectCreation = true
		}
		if p, ok := grant.RuntimePermission(); ok {
			allowed[p] = struct{}{}
		}
	}

	runtime := eng.NewRuntime(program, policy, permissionSet(allowed))

	macroID := inv.MacroID()
	audit.emit(auditEvent{
		event:       "start",
		kind:        string(inv.Kind),
		macroID:     macroID,
		originPath:  originPath,
		permissions: opts.Permissions,
	})

	adapter, err := NewAdapter(st, ctx, caps)
	if err != nil {
		return Outcome{}, ctx, err
	}

	initialSelection := filterSelection(ctx.Selection, adapter.SheetCount())

	var result ExecutionResult
	var execErr error
	switch inv.Kind {
	case InvokeProcedure:
		result, execErr = runtime.Execute(adapter, inv.Proc, nil, initialSelection)
	case InvokeWorkbookOpen:
		result, execErr = runtime.FireWorkbookOpen(adapter, initialSelection)
	case InvokeWorkbookClose:
		result, execErr = runtime.FireWorkbookBeforeClose(adapter, initialSelection)
	case InvokeWorksheetChange:
		result, execErr = runtime.FireWorksheetChange(adapter, inv.Target, initialSelection)
	case InvokeSelectionChange:
		result, execErr = runtime.FireWorksheetSelectionChange(adapter, inv.Target, initialSelection)
	default:
		execErr = &RuntimeError{Msg: "unknown invocation kind: " + string(inv.Kind)}
	}

	output := adapter.TakeOutput()
	updates := dedupUpdates(adapter.TakeUpdates())

	selection := initialSelection
	if execErr == nil {
		selection = result.Selection
	}
	selection = filterSelection(selection, adapter.SheetCount())

	activeRow, activeCol := adapter.ActiveCell()
	newCtx := RuntimeContext{
		ActiveSheet: adapter.ActiveSheet(),
		ActiveRow:   activeRow,
		ActiveCol:   activeCol,
		Selection:   selection,
	}

	outcome := Outcome{OK: execErr == nil, Output: output, Updates: updates}
	if execErr != nil {
		outcome.Error = execErr.Error()
		var sandbox *SandboxError
		if errors.As(execErr, &sandbox) {
			outcome.PermissionRequest = permissionRequestFromSandbox(sandbox.Reason, macroID, originPath)
		}
	}

	ok := outcome.OK
	audit.emit(auditEvent{
		event:             "end",
		kind:              string(inv.Kind),
		macroID:           macroID,
		originPath:        originPath,
		permissions:       opts.Permissions,
		ok:                &ok,
		errMsg:            outcome.Error,
		permissionRequest: outcome.PermissionRequest,
	})

	return outcome, newCtx, nil
}

// permissionSet is a PermissionChecker over a fixed allow set.
type permissionSet map[Permission]struct{}

func (s permissionSet) HasPermission(p Permission) bool {
	_, ok := s[p]
	return ok
}

func filterSelection(sel *RangeRef, sheetCount int) *RangeRef {
	if sel == nil || sel.Sheet < 0 || sel.Sheet >= sheetCount {
		return nil
	}
	return sel
}

// dedupUpdates keeps the last write per cell in first-seen position order:
// callers receive only the terminal state of each cell the macro touched.
func dedupUpdates(updates []engine.Update) []engine.Update {
	type key struct {
		sheetID  string
		row, col int
	}
	var out []engine.Update
	idx := make(map[key]int)
	for _, u := range updates {
		k := key{u.SheetID, u.Row, u.Col}
		if at, seen := idx[k]; seen {
			out[at] = u
			continue
		}
		idx[k] = len(out)
		out = append(out, u)
	}
	return out
}

func permissionRequestFromSandbox(reason, macroID, originPath string) *PermissionRequest {
	grant, ok := parsePermissionFromReason(reason)
	if !ok {
		return nil
	}
	return &PermissionRequest{
		Reason:             reason,
		MacroID:            macroID,
		WorkbookOriginPath: originPath,
		Requested:          []PermissionGrant{grant},
	}
}

// parsePermissionFromReason pulls the first "permission: <Token>" marker out
// of a sandbox denial reason. Trailing punctuation is tolerated.
func parsePermissionFromReason(reason string) (PermissionGrant, bool) {
	const marker = "permission:"
	idx := strings.Index(strings.ToLower(reason), marker)
	if idx < 0 {
		return "", false
	}
	after := strings.TrimSpace(reason[idx+len(marker):])
	token := after
	if fields := strings.Fields(after); len(fields) > 0 {
		token = fields[0]
	}
	token = strings.TrimRight(token, ",.;")
	switch Permission(token) {
	case PermissionFileSystemRead:
		return GrantFilesystemRead, true
	case PermissionFileSystemWrite:
		return GrantFilesystemWrite, true
	case PermissionNetwork:
		return GrantNetwork, true
	case PermissionObjectCreation:
		return GrantObjectCreation, true
	}
	return "", false
}
