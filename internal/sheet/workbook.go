package sheet

import "github.com/google/uuid"

// Workbook is an ordered collection of sheets with a unique ID per sheet, an
// optional origin path, and the raw bytes of an embedded macro project when
// the source file carried one.
type Workbook struct {
	Path          string
	Sheets        []*Sheet
	VBAProjectBin []byte
}

// NewEmpty constructs a workbook with no sheets. Path may be empty for an
// unsaved workbook.
func NewEmpty(path string) *Workbook {
	return &Workbook{Path: path}
}

// AddSheet appends a sheet with a generated ID and returns it.
func (w *Workbook) AddSheet(name string) *Sheet {
	s := NewSheet(uuid.NewString(), name)
	w.Sheets = append(w.Sheets, s)
	return s
}

// EnsureSheetIDs assigns generated IDs to sheets missing one. Loaders are
// expected to provide IDs; this is the safety net called on load.
func (w *Workbook) EnsureSheetIDs() {
	for _, s := range w.Sheets {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
	}
}

// Sheet returns the sheet with the given ID, or nil.
func (w *Workbook) Sheet(id string) *Sheet {
	for _, s := range w.Sheets {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CellValue reads the computed value at a key. A missing sheet reads as a
// reference error so evaluation can proceed without a structural failure.
func (w *Workbook) CellValue(sheetID string, row, col int) Value {
	s := w.Sheet(sheetID)
	if s == nil {
		return Error(ErrRef)
	}
	if row < 0 || col < 0 {
		return Error(ErrRef)
	}
	return s.CellAt(row, col).Computed
}

// CellFormula returns the formula at a key, or "" when absent.
func (w *Workbook) CellFormula(sheetID string, row, col int) string {
	s := w.Sheet(sheetID)
	if s == nil {
		return ""
	}
	return s.CellAt(row, col).Formula
}

// CellHasFormula reports whether the cell at a key is a formula cell.
func (w *Workbook) CellHasFormula(sheetID string, row, col int) bool {
	s := w.Sheet(sheetID)
	return s != nil && s.HasFormula(row, col)
}

// SetComputedValue stores a computed value at a key. Unknown sheets are
// ignored; the recompute path only visits keys it discovered in the graph.
func (w *Workbook) SetComputedValue(sheetID string, row, col int, v Value) {
	if s := w.Sheet(sheetID); s != nil {
		s.SetComputed(row, col, v)
	}
}
