package state

import (
	"errors"
	"fmt"
)

// Structural and history errors surfaced to callers. Formula errors never
// appear here; they are stored in cells as error values.
var (
	ErrNoWorkbook    = errors.New("no workbook loaded")
	ErrNoUndoHistory = errors.New("no undo history")
	ErrNoRedoHistory = errors.New("no redo history")
)

// UnknownSheetError reports a sheet ID not present in the workbook.
type UnknownSheetError struct {
	SheetID string
}

func (e *UnknownSheetError) Error() string {
	return fmt.Sprintf("unknown sheet id: %s", e.SheetID)
}

// InvalidRangeError reports an inverted or dimension-mismatched rectangle.
// Coordinates are reported 0-indexed, as received by the API.
type InvalidRangeError struct {
	StartRow, StartCol, EndRow, EndCol int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: start (%d,%d) end (%d,%d)",
		e.StartRow, e.StartCol, e.EndRow, e.EndCol)
}
