package apperr

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Code defines a canonical error code used across tools.
type Code string

const (
	// Validation & Input
	Validation    Code = "VALIDATION"
	InvalidRange  Code = "INVALID_RANGE"
	UnknownSheet  Code = "UNKNOWN_SHEET"
	CursorInvalid Code = "CURSOR_INVALID"

	// State & History
	NoWorkbook    Code = "NO_WORKBOOK"
	NoUndoHistory Code = "NO_UNDO_HISTORY"
	NoRedoHistory Code = "NO_REDO_HISTORY"

	// Resource & Limits
	BusyResource  Code = "BUSY_RESOURCE"
	Timeout       Code = "TIMEOUT"
	LimitExceeded Code = "LIMIT_EXCEEDED"

	// IO & Formats
	OpenFailed        Code = "OPEN_FAILED"
	SaveFailed        Code = "SAVE_FAILED"
	ReadFailed        Code = "READ_FAILED"
	WriteFailed       Code = "WRITE_FAILED"
	UnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	PermissionDenied  Code = "PERMISSION_DENIED"

	// Macros
	MacroNotAvailable Code = "MACRO_NOT_AVAILABLE"
	MacroParseFailed  Code = "MACRO_PARSE_FAILED"
	MacroRuntime      Code = "MACRO_RUNTIME"
	MacroPermission   Code = "MACRO_PERMISSION"
)

// Entry documents a code's standard message, retry semantics, and next steps.
type Entry struct {
	Code      Code
	Message   string
	Retryable bool
	NextSteps []string
}

// catalog maps canonical codes to guidance. Messages can be overridden per error.
var catalog = map[Code]Entry{
	Validation:    {Code: Validation, Message: "invalid inputs", Retryable: true, NextSteps: []string{"Correct the inputs per schema and retry", "See examples in tool description"}},
	InvalidRange:  {Code: InvalidRange, Message: "invalid range", Retryable: true, NextSteps: []string{"Ensure start <= end and values match the rectangle"}},
	UnknownSheet:  {Code: UnknownSheet, Message: "sheet not found", Retryable: true, NextSteps: []string{"Call workbook_info to list sheet ids"}},
	CursorInvalid: {Code: CursorInvalid, Message: "cursor is invalid for current context", Retryable: true, NextSteps: []string{"Restart pagination from the first page", "Avoid edits between pages"}},

	NoWorkbook:    {Code: NoWorkbook, Message: "no workbook loaded", Retryable: true, NextSteps: []string{"Call open_workbook or new_workbook first"}},
	NoUndoHistory: {Code: NoUndoHistory, Message: "no undo history", Retryable: false, NextSteps: []string{"Nothing to undo; make an edit first"}},
	NoRedoHistory: {Code: NoRedoHistory, Message: "no redo history", Retryable: false, NextSteps: []string{"Nothing to redo; undo something first"}},

	BusyResource:  {Code: BusyResource, Message: "concurrent request limit reached", Retryable: true, NextSteps: []string{"Retry after a short delay"}},
	Timeout:       {Code: Timeout, Message: "operation exceeded configured time limit", Retryable: true, NextSteps: []string{"Narrow scope (rows/cells) or increase timeout"}},
	LimitExceeded: {Code: LimitExceeded, Message: "operation exceeded configured limits", Retryable: true, NextSteps: []string{"Narrow range or lower page size"}},

	OpenFailed:        {Code: OpenFailed, Message: "failed to open workbook", Retryable: true, NextSteps: []string{"Verify path, permissions, and format"}},
	SaveFailed:        {Code: SaveFailed, Message: "failed to save workbook", Retryable: true, NextSteps: []string{"Verify target path and permissions"}},
	ReadFailed:        {Code: ReadFailed, Message: "failed to read cells", Retryable: true, NextSteps: []string{"Verify sheet id and coordinates"}},
	WriteFailed:       {Code: WriteFailed, Message: "failed to write cells", Retryable: false, NextSteps: []string{"Validate coordinates and values"}},
	UnsupportedFormat: {Code: UnsupportedFormat, Message: "unsupported workbook format", Retryable: false, NextSteps: []string{"Convert to .xlsx or .xlsm and retry"}},
	PermissionDenied:  {Code: PermissionDenied, Message: "insufficient permissions to access path", Retryable: false, NextSteps: []string{"Choose an allowed directory"}},

	MacroNotAvailable: {Code: MacroNotAvailable, Message: "no macro runtime configured", Retryable: false, NextSteps: []string{"Run a build with an embedded macro runtime"}},
	MacroParseFailed:  {Code: MacroParseFailed, Message: "failed to parse macro project or program", Retryable: false, NextSteps: []string{"Inspect the embedded macro project"}},
	MacroRuntime:      {Code: MacroRuntime, Message: "macro execution failed", Retryable: false, NextSteps: []string{"Check the macro output and audit log"}},
	MacroPermission:   {Code: MacroPermission, Message: "macro requested a denied permission", Retryable: true, NextSteps: []string{"Re-run with the requested permission granted"}},
}

// normalize builds a standard error string including next steps for clients
// that surface only a message string. Format: "CODE: message" plus guidance.
func normalize(code Code, msg string) string {
	base := strings.TrimSpace(msg)
	e, ok := catalog[code]
	if !ok {
		if base == "" {
			return string(code)
		}
		return fmt.Sprintf("%s: %s", string(code), base)
	}
	if base == "" {
		base = e.Message
	}
	guidance := ""
	if len(e.NextSteps) > 0 {
		guidance = " | nextSteps: " + strings.Join(e.NextSteps, "; ")
	}
	return fmt.Sprintf("%s: %s%s", e.Code, base, guidance)
}

// New returns a tool error result for a given code and optional message
// override.
func New(code Code, message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(normalize(code, message))
}

// Wrapf formats details and returns a tool error result for the code.
func Wrapf(code Code, format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(normalize(code, fmt.Sprintf(format, args...)))
}
