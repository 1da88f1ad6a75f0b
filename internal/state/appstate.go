package state

import (
	"strings"

	"github.com/calcgrid/calcgrid/internal/engine"
	"github.com/calcgrid/calcgrid/internal/sheet"
)

// CellUpdate is the update record returned by edit operations.
type CellUpdate = engine.Update

// CellData is the external view of one cell: computed value plus formula.
type CellData struct {
	Value   sheet.Value
	Formula string
}

// CellEdit is one requested cell mutation. Formula takes precedence over
// Value; a nil Value with an empty Formula clears the cell.
type CellEdit struct {
	Value   *sheet.Value
	Formula string
}

// SheetInfo identifies a sheet.
type SheetInfo struct {
	ID   string
	Name string
}

// WorkbookInfo summarizes the loaded workbook.
type WorkbookInfo struct {
	Path   string
	Sheets []SheetInfo
}

// cellInput is the undoable input state of one cell: literal and formula
// only, never computed values.
type cellInput struct {
	sheetID string
	row     int
	col     int
	value   *sheet.Value
	formula string
}

func (a cellInput) equal(b cellInput) bool {
	if a.sheetID != b.sheetID || a.row != b.row || a.col != b.col || a.formula != b.formula {
		return false
	}
	if (a.value == nil) != (b.value == nil) {
		return false
	}
	return a.value == nil || *a.value == *b.value
}

// undoEntry pairs the input snapshots before and after one edit.
type undoEntry struct {
	before []cellInput
	after  []cellInput
}

// AppState is the top-level mutable state: the active workbook, the calc
// engine, the dirty flag, and the undo/redo stacks. It is not safe for
// concurrent use; callers hold it behind one process-wide mutex (the server's
// session does this) so edits exclude each other.
type AppState struct {
	workbook  *sheet.Workbook
	engine    *engine.Engine
	dirty     bool
	version   int64
	undoStack []undoEntry
	redoStack []undoEntry
}

// New constructs an AppState with no workbook.
func New() *AppState {
	return &AppState{engine: engine.New()}
}

// HasUnsavedChanges reports the dirty flag.
func (s *AppState) HasUnsavedChanges() bool { return s.dirty }

// Version returns a counter incremented by every mutating edit. Pagination
// cursors embed it to detect edits between pages.
func (s *AppState) Version() int64 { return s.version }

// MarkDirty sets the dirty flag without touching history.
func (s *AppState) MarkDirty() { s.dirty = true }

// ClearRedoHistory drops the redo stack. Used after a rollback that must not
// be user-redoable.
func (s *AppState) ClearRedoHistory() { s.redoStack = nil }

// Workbook returns the loaded workbook.
func (s *AppState) Workbook() (*sheet.Workbook, error) {
	if s.workbook == nil {
		return nil, ErrNoWorkbook
	}
	return s.workbook, nil
}

// WorkbookInfo summarizes the loaded workbook.
func (s *AppState) WorkbookInfo() (WorkbookInfo, error) {
	wb, err := s.Workbook()
	if err != nil {
		return WorkbookInfo{}, err
	}
	info := WorkbookInfo{Path: wb.Path}
	for _, sh := range wb.Sheets {
		info.Sheets = append(info.Sheets, SheetInfo{ID: sh.ID, Name: sh.Name})
	}
	return info, nil
}

// LoadWorkbook takes ownership of a workbook: sheet IDs are ensured, the
// dependency graph is rebuilt, and every formula is recomputed once so cached
// values are fresh even when the source file carried stale ones. The dirty
// flag and both history stacks reset.
func (s *AppState) LoadWorkbook(wb *sheet.Workbook) WorkbookInfo {
	wb.EnsureSheetIDs()
	s.engine.Rebuild(wb)
	s.engine.RecalculateAll(wb)

	s.workbook = wb
	s.dirty = false
	s.version++
	s.undoStack = nil
	s.redoStack = nil

	info, _ := s.WorkbookInfo()
	return info
}

// MarkSaved clears the dirty flag, optionally recording the new origin path.
// Undo history is untouched.
func (s *AppState) MarkSaved(newPath string) error {
	wb, err := s.Workbook()
	if err != nil {
		return err
	}
	if newPath != "" {
		wb.Path = newPath
	}
	s.dirty = false
	return nil
}

// GetCell reads one cell.
func (s *AppState) GetCell(sheetID string, row, col int) (CellData, error) {
	sh, err := s.sheetByID(sheetID)
	if err != nil {
		return CellData{}, err
	}
	cell := sh.CellAt(row, col)
	return CellData{Value: cell.Computed, Formula: cell.Formula}, nil
}

// GetRange reads a rectangle as rows of cells, inclusive on both ends.
func (s *AppState) GetRange(sheetID string, startRow, startCol, endRow, endCol int) ([][]CellData, error) {
	if startRow > endRow || startCol > endCol {
		return nil, &InvalidRangeError{startRow, startCol, endRow, endCol}
	}
	sh, err := s.sheetByID(sheetID)
	if err != nil {
		return nil, err
	}

	rows := make([][]CellData, 0, endRow-startRow+1)
	for row := startRow; row <= endRow; row++ {
		cols := make([]CellData, 0, endCol-startCol+1)
		for col := startCol; col <= endCol; col++ {
			cell := sh.CellAt(row, col)
			cols = append(cols, CellData{Value: cell.Computed, Formula: cell.Formula})
		}
		rows = append(rows, cols)
	}
	return rows, nil
}

// SetCell applies one cell edit and recomputes its impacted closure. A
// no-op edit returns empty updates and pushes nothing onto the undo stack.
// The edited cell always appears in the returned updates, synthesized when
// its computed value did not change.
func (s *AppState) SetCell(sheetID string, row, col int, edit CellEdit) ([]CellUpdate, error) {
	before, err := s.snapshotCell(sheetID, row, col)
	if err != nil {
		return nil, err
	}
	after := cellInput{
		sheetID: sheetID,
		row:     row,
		col:     col,
		value:   edit.Value,
		formula: NormalizeFormula(edit.Formula),
	}
	if after.formula != "" {
		after.value = nil
	}

	if before.equal(after) {
		return nil, nil
	}

	if err := s.applySnapshots([]cellInput{after}); err != nil {
		return nil, err
	}
	updates := s.recalculateFromInputs([]cellInput{after})
	updates, err = s.ensureEditedIncluded(updates, []cellInput{after})
	if err != nil {
		return nil, err
	}

	s.dirty = true
	s.version++
	s.redoStack = nil
	s.undoStack = append(s.undoStack, undoEntry{
		before: []cellInput{before},
		after:  []cellInput{after},
	})
	return updates, nil
}

// SetRange applies a rectangle of edits in one batch: snapshots that did not
// change are filtered out, the rest apply together and recompute once over
// the union of changed keys. The values rectangle must match the range
// dimensions exactly.
func (s *AppState) SetRange(sheetID string, startRow, startCol, endRow, endCol int, values [][]CellEdit) ([]CellUpdate, error) {
	if startRow > endRow || startCol > endCol {
		return nil, &InvalidRangeError{startRow, startCol, endRow, endCol}
	}
	if len(values) != endRow-startRow+1 {
		return nil, &InvalidRangeError{startRow, startCol, endRow, endCol}
	}
	for _, rowValues := range values {
		if len(rowValues) != endCol-startCol+1 {
			return nil, &InvalidRangeError{startRow, startCol, endRow, endCol}
		}
	}

	var before, after []cellInput
	for rOff, rowValues := range values {
		for cOff, edit := range rowValues {
			row, col := startRow+rOff, startCol+cOff
			snapBefore, err := s.snapshotCell(sheetID, row, col)
			if err != nil {
				return nil, err
			}
			snapAfter := cellInput{
				sheetID: sheetID,
				row:     row,
				col:     col,
				value:   edit.Value,
				formula: NormalizeFormula(edit.Formula),
			}
			if snapAfter.formula != "" {
				snapAfter.value = nil
			}
			if !snapBefore.equal(snapAfter) {
				before = append(before, snapBefore)
				after = append(after, snapAfter)
			}
		}
	}

	if len(after) == 0 {
		return nil, nil
	}

	if err := s.applySnapshots(after); err != nil {
		return nil, err
	}
	updates := s.recalculateFromInputs(after)
	updates, err := s.ensureEditedIncluded(updates, after)
	if err != nil {
		return nil, err
	}

	s.dirty = true
	s.version++
	s.redoStack = nil
	s.undoStack = append(s.undoStack, undoEntry{before: before, after: after})
	return updates, nil
}

// RecalculateAll recomputes every formula cell, emitting updates only where
// computed values changed.
func (s *AppState) RecalculateAll() ([]CellUpdate, error) {
	wb, err := s.Workbook()
	if err != nil {
		return nil, err
	}
	return s.engine.RecalculateAll(wb), nil
}

// Undo reverts the most recent edit by replaying its before-snapshots and
// re-deriving computed values through the engine.
func (s *AppState) Undo() ([]CellUpdate, error) {
	if s.workbook == nil {
		return nil, ErrNoWorkbook
	}
	if len(s.undoStack) == 0 {
		return nil, ErrNoUndoHistory
	}
	entry := s.undoStack[len(s.undoStack)-1]
	s.undoStack = s.undoStack[:len(s.undoStack)-1]

	if err := s.applySnapshots(entry.before); err != nil {
		return nil, err
	}
	updates := s.recalculateFromInputs(entry.before)
	updates, err := s.ensureEditedIncluded(updates, entry.before)
	if err != nil {
		return nil, err
	}

	s.redoStack = append(s.redoStack, entry)
	s.dirty = true
	s.version++
	return updates, nil
}

// Redo reapplies the most recently undone edit.
func (s *AppState) Redo() ([]CellUpdate, error) {
	if s.workbook == nil {
		return nil, ErrNoWorkbook
	}
	if len(s.redoStack) == 0 {
		return nil, ErrNoRedoHistory
	}
	entry := s.redoStack[len(s.redoStack)-1]
	s.redoStack = s.redoStack[:len(s.redoStack)-1]

	if err := s.applySnapshots(entry.after); err != nil {
		return nil, err
	}
	updates := s.recalculateFromInputs(entry.after)
	updates, err := s.ensureEditedIncluded(updates, entry.after)
	if err != nil {
		return nil, err
	}

	s.undoStack = append(s.undoStack, entry)
	s.dirty = true
	s.version++
	return updates, nil
}

// UndoDepth reports the number of undoable entries.
func (s *AppState) UndoDepth() int { return len(s.undoStack) }

// RedoDepth reports the number of redoable entries.
func (s *AppState) RedoDepth() int { return len(s.redoStack) }

func (s *AppState) sheetByID(sheetID string) (*sheet.Sheet, error) {
	wb, err := s.Workbook()
	if err != nil {
		return nil, err
	}
	sh := wb.Sheet(sheetID)
	if sh == nil {
		return nil, &UnknownSheetError{SheetID: sheetID}
	}
	return sh, nil
}

func (s *AppState) snapshotCell(sheetID string, row, col int) (cellInput, error) {
	sh, err := s.sheetByID(sheetID)
	if err != nil {
		return cellInput{}, err
	}
	// Snapshot the sparse cell only: columnar slots are not inputs and
	// undo must not materialize them.
	cell := sh.Cells[sheet.Coord{Row: row, Col: col}]
	snap := cellInput{sheetID: sheetID, row: row, col: col, formula: cell.Formula}
	if cell.HasInput {
		v := cell.Input
		snap.value = &v
	}
	return snap, nil
}

func (s *AppState) applySnapshots(snapshots []cellInput) error {
	wb, err := s.Workbook()
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		sh := wb.Sheet(snap.sheetID)
		if sh == nil {
			return &UnknownSheetError{SheetID: snap.sheetID}
		}

		var cell sheet.Cell
		switch {
		case snap.formula != "":
			cell = sheet.FromFormula(snap.formula)
		case snap.value != nil:
			cell = sheet.FromLiteral(*snap.value)
		default:
			cell = sheet.EmptyCell()
		}
		sh.SetCell(snap.row, snap.col, cell)
		s.engine.UpdateCellFormula(snap.sheetID, snap.row, snap.col, snap.formula)
	}
	return nil
}

func (s *AppState) recalculateFromInputs(snapshots []cellInput) []CellUpdate {
	if s.workbook == nil {
		return nil
	}
	changed := make([]engine.CellKey, 0, len(snapshots))
	for _, snap := range snapshots {
		changed = append(changed, engine.CellKey{SheetID: snap.sheetID, Row: snap.row, Col: snap.col})
	}
	return s.engine.RecalculateFrom(s.workbook, changed)
}

// ensureEditedIncluded synthesizes an update for every edited cell whose
// computed value did not change, so the caller's view stays coherent after
// formula-only edits.
func (s *AppState) ensureEditedIncluded(updates []CellUpdate, edited []cellInput) ([]CellUpdate, error) {
	for _, snap := range edited {
		present := false
		for _, u := range updates {
			if u.SheetID == snap.sheetID && u.Row == snap.row && u.Col == snap.col {
				present = true
				break
			}
		}
		if present {
			continue
		}
		data, err := s.GetCell(snap.sheetID, snap.row, snap.col)
		if err != nil {
			return nil, err
		}
		updates = append(updates, CellUpdate{
			SheetID: snap.sheetID,
			Row:     snap.row,
			Col:     snap.col,
			Value:   data.Value,
			Formula: data.Formula,
		})
	}
	return updates, nil
}

// NormalizeFormula trims the input and guarantees a leading '='. Empty or
// whitespace-only formulas normalize to none.
func NormalizeFormula(f string) string {
	f = strings.TrimSpace(f)
	if f == "" {
		return ""
	}
	if !strings.HasPrefix(f, "=") {
		return "=" + f
	}
	return f
}
