package macro

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/calcgrid/calcgrid/internal/engine"
	"github.com/calcgrid/calcgrid/internal/sheet"
	"github.com/calcgrid/calcgrid/internal/state"
)

const truncatedMarker = "[truncated]"
const messageTruncatedSuffix = "...[truncated]"

// Caps bounds what one macro invocation may produce. Values come from the
// runtime limits at construction time.
type Caps struct {
	MaxOutputLines int
	MaxOutputBytes int
	MaxLineBytes   int
	MaxUpdates     int
}

// lineBudget is the per-line byte cap: the configured hard line cap, never
// above the total byte cap.
func (c Caps) lineBudget() int {
	return min(c.MaxLineBytes, c.MaxOutputBytes)
}

// Adapter presents the Spreadsheet capability set to the macro runtime over
// an AppState. Writes route through AppState.SetCell so the calc engine
// stays authoritative; the adapter only accumulates output and updates under
// its caps. It borrows the state exclusively for one invocation.
type Adapter struct {
	state *state.AppState
	caps  Caps

	activeSheet int
	activeRow   int
	activeCol   int

	output          []string
	outputBytes     int
	outputTruncated bool

	updates []engine.Update
}

// NewAdapter builds an adapter positioned by the runtime context. The active
// sheet is clamped to the workbook's sheet count.
func NewAdapter(st *state.AppState, ctx RuntimeContext, caps Caps) (*Adapter, error) {
	wb, err := st.Workbook()
	if err != nil {
		return nil, &RuntimeError{Msg: err.Error()}
	}
	active := ctx.ActiveSheet
	if len(wb.Sheets) == 0 {
		active = 0
	} else if active > len(wb.Sheets)-1 {
		active = len(wb.Sheets) - 1
	}
	return &Adapter{
		state:       st,
		caps:        caps,
		activeSheet: active,
		activeRow:   ctx.ActiveRow,
		activeCol:   ctx.ActiveCol,
	}, nil
}

// TakeOutput drains the captured log lines and resets the byte count. Once the
// truncation sentinel has been recorded, later Log calls stay dropped.
func (a *Adapter) TakeOutput() []string {
	out := a.output
	a.output = nil
	a.outputBytes = 0
	return out
}

// TakeUpdates drains the accumulated cell updates.
func (a *Adapter) TakeUpdates() []engine.Update {
	out := a.updates
	a.updates = nil
	return out
}

func (a *Adapter) workbook() (*sheet.Workbook, error) {
	wb, err := a.state.Workbook()
	if err != nil {
		return nil, &RuntimeError{Msg: err.Error()}
	}
	return wb, nil
}

func (a *Adapter) sheetID(idx int) (string, error) {
	wb, err := a.workbook()
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(wb.Sheets) {
		return "", &RuntimeError{Msg: fmt.Sprintf("unknown sheet index: %d", idx)}
	}
	return wb.Sheets[idx].ID, nil
}

func checkOneIndexed(row, col int) error {
	if row <= 0 || col <= 0 {
		return &RuntimeError{Msg: "row/col are 1-based"}
	}
	return nil
}

// SheetCount implements Spreadsheet.
func (a *Adapter) SheetCount() int {
	wb, err := a.workbook()
	if err != nil {
		return 0
	}
	return len(wb.Sheets)
}

// SheetName implements Spreadsheet.
func (a *Adapter) SheetName(idx int) (string, bool) {
	wb, err := a.workbook()
	if err != nil || idx < 0 || idx >= len(wb.Sheets) {
		return "", false
	}
	return wb.Sheets[idx].Name, true
}

// SheetIndex implements Spreadsheet. Matching is case-insensitive under the
// platform's sheet-name normalization.
func (a *Adapter) SheetIndex(name string) (int, bool) {
	wb, err := a.workbook()
	if err != nil {
		return 0, false
	}
	for i, s := range wb.Sheets {
		if SheetNameEqual(s.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// ActiveSheet implements Spreadsheet.
func (a *Adapter) ActiveSheet() int { return a.activeSheet }

// SetActiveSheet implements Spreadsheet.
func (a *Adapter) SetActiveSheet(idx int) error {
	if idx < 0 || idx >= a.SheetCount() {
		return &RuntimeError{Msg: fmt.Sprintf("sheet index out of range: %d", idx)}
	}
	a.activeSheet = idx
	return nil
}

// ActiveCell implements Spreadsheet.
func (a *Adapter) ActiveCell() (int, int) { return a.activeRow, a.activeCol }

// SetActiveCell implements Spreadsheet.
func (a *Adapter) SetActiveCell(row, col int) error {
	if err := checkOneIndexed(row, col); err != nil {
		return err
	}
	a.activeRow, a.activeCol = row, col
	return nil
}

// GetCellValue implements Spreadsheet.
func (a *Adapter) GetCellValue(sheetIdx, row, col int) (Value, error) {
	id, err := a.sheetID(sheetIdx)
	if err != nil {
		return Value{}, err
	}
	if err := checkOneIndexed(row, col); err != nil {
		return Value{}, err
	}
	data, err := a.state.GetCell(id, row-1, col-1)
	if err != nil {
		return Value{}, &RuntimeError{Msg: err.Error()}
	}
	return cellValueToRuntime(data.Value), nil
}

// SetCellValue implements Spreadsheet. Strings beginning with '=' are
// interpreted as formulas; composite values are rejected without writing.
func (a *Adapter) SetCellValue(sheetIdx, row, col int, v Value) error {
	edit, err := runtimeValueToEdit(v)
	if err != nil {
		return err
	}
	return a.applyEdit(sheetIdx, row, col, edit)
}

// GetCellFormula implements Spreadsheet.
func (a *Adapter) GetCellFormula(sheetIdx, row, col int) (string, error) {
	id, err := a.sheetID(sheetIdx)
	if err != nil {
		return "", err
	}
	if err := checkOneIndexed(row, col); err != nil {
		return "", err
	}
	data, err := a.state.GetCell(id, row-1, col-1)
	if err != nil {
		return "", &RuntimeError{Msg: err.Error()}
	}
	return data.Formula, nil
}

// SetCellFormula implements Spreadsheet.
func (a *Adapter) SetCellFormula(sheetIdx, row, col int, f string) error {
	return a.applyEdit(sheetIdx, row, col, state.CellEdit{Formula: f})
}

// ClearCellContents implements Spreadsheet.
func (a *Adapter) ClearCellContents(sheetIdx, row, col int) error {
	return a.applyEdit(sheetIdx, row, col, state.CellEdit{})
}

func (a *Adapter) applyEdit(sheetIdx, row, col int, edit state.CellEdit) error {
	id, err := a.sheetID(sheetIdx)
	if err != nil {
		return err
	}
	if err := checkOneIndexed(row, col); err != nil {
		return err
	}
	updates, err := a.state.SetCell(id, row-1, col-1, edit)
	if err != nil {
		return &RuntimeError{Msg: err.Error()}
	}
	return a.pushUpdates(updates)
}

// pushUpdates accumulates edit fanout under the update cap. On breach the
// already-applied edit is rolled back through the undo stack (and made
// non-redoable) so the returned updates keep describing the persisted state.
func (a *Adapter) pushUpdates(updates []engine.Update) error {
	if len(updates) == 0 {
		return nil
	}
	remaining := a.caps.MaxUpdates - len(a.updates)
	if len(updates) > remaining {
		_, _ = a.state.Undo()
		a.state.ClearRedoHistory()
		a.state.MarkDirty()
		return &RuntimeError{Msg: fmt.Sprintf(
			"macro produced too many cell updates (limit %d)", a.caps.MaxUpdates)}
	}
	a.updates = append(a.updates, updates...)
	return nil
}

// Log implements Spreadsheet, capturing output subject to the line, byte,
// and per-line caps. After the first overflow a single sentinel line is
// recorded and later calls are dropped.
func (a *Adapter) Log(message string) {
	if a.outputTruncated {
		return
	}

	maxLine := a.caps.lineBudget()
	if len(message) > maxLine {
		budget := maxLine - len(messageTruncatedSuffix)
		if budget < 0 {
			budget = 0
		}
		end := budget
		for end > 0 && !utf8.RuneStart(message[end]) {
			end--
		}
		truncated := message[:end]
		if len(truncated)+len(messageTruncatedSuffix) <= maxLine {
			truncated += messageTruncatedSuffix
		}
		message = truncated
	} else {
		// Short lines may still alias a huge backing buffer handed over
		// by the runtime; copy so the capture never retains it.
		message = strings.Clone(message)
	}

	exceedsLines := len(a.output) >= a.caps.MaxOutputLines
	exceedsBytes := a.outputBytes+len(message) > a.caps.MaxOutputBytes
	if !exceedsLines && !exceedsBytes {
		a.outputBytes += len(message)
		a.output = append(a.output, message)
		return
	}

	a.outputTruncated = true
	if len(a.output) > 0 && a.output[len(a.output)-1] == truncatedMarker {
		return
	}

	if len(a.output) < a.caps.MaxOutputLines &&
		a.outputBytes+len(truncatedMarker) <= a.caps.MaxOutputBytes {
		a.outputBytes += len(truncatedMarker)
		a.output = append(a.output, truncatedMarker)
		return
	}

	// Replace the last line with the sentinel to stay within limits.
	if len(a.output) > 0 {
		last := a.output[len(a.output)-1]
		base := a.outputBytes - len(last)
		if base < 0 {
			base = 0
		}
		marker := truncatedMarker
		if allowed := a.caps.MaxOutputBytes - base; len(marker) > allowed {
			if allowed < 0 {
				allowed = 0
			}
			marker = marker[:allowed]
		}
		a.outputBytes = base + len(marker)
		a.output[len(a.output)-1] = marker
	} else if len(truncatedMarker) <= a.caps.MaxOutputBytes && a.caps.MaxOutputLines > 0 {
		a.outputBytes = len(truncatedMarker)
		a.output = append(a.output, truncatedMarker)
	}
}

// usedAt reports whether the sparse cell at a 0-indexed coordinate holds
// content.
func usedAt(c sheet.Cell) bool { return c.Used() }

// LastUsedRowInColumn implements Spreadsheet: the greatest used row <=
// startRow in a column, over both sparse cells and the columnar table.
func (a *Adapter) LastUsedRowInColumn(sheetIdx, col, startRow int) (int, bool) {
	if col <= 0 || startRow <= 0 {
		return 0, false
	}
	wb, err := a.workbook()
	if err != nil || sheetIdx < 0 || sheetIdx >= len(wb.Sheets) {
		return 0, false
	}
	sh := wb.Sheets[sheetIdx]
	col0 := col - 1

	best, found := 0, false
	if t := sh.Columnar; t.RowCount() > 0 && col0 < t.ColumnCount() {
		best = min(t.RowCount(), startRow)
		found = best > 0
	}
	for coord, cell := range sh.Cells {
		if coord.Col != col0 || !usedAt(cell) {
			continue
		}
		row1 := coord.Row + 1
		if row1 > startRow {
			continue
		}
		if !found || row1 > best {
			best, found = row1, true
		}
	}
	return best, found
}

// NextUsedRowInColumn implements Spreadsheet: the smallest used row >=
// startRow in a column.
func (a *Adapter) NextUsedRowInColumn(sheetIdx, col, startRow int) (int, bool) {
	if col <= 0 || startRow <= 0 {
		return 0, false
	}
	wb, err := a.workbook()
	if err != nil || sheetIdx < 0 || sheetIdx >= len(wb.Sheets) {
		return 0, false
	}
	sh := wb.Sheets[sheetIdx]
	col0 := col - 1

	best, found := 0, false
	if t := sh.Columnar; t.RowCount() > 0 && col0 < t.ColumnCount() && startRow <= t.RowCount() {
		best, found = startRow, true
	}
	for coord, cell := range sh.Cells {
		if coord.Col != col0 || !usedAt(cell) {
			continue
		}
		row1 := coord.Row + 1
		if row1 < startRow {
			continue
		}
		if !found || row1 < best {
			best, found = row1, true
		}
	}
	return best, found
}

// LastUsedColInRow implements Spreadsheet: the greatest used column <=
// startCol in a row.
func (a *Adapter) LastUsedColInRow(sheetIdx, row, startCol int) (int, bool) {
	if row <= 0 || startCol <= 0 {
		return 0, false
	}
	wb, err := a.workbook()
	if err != nil || sheetIdx < 0 || sheetIdx >= len(wb.Sheets) {
		return 0, false
	}
	sh := wb.Sheets[sheetIdx]
	row0 := row - 1

	best, found := 0, false
	if t := sh.Columnar; t.ColumnCount() > 0 && row0 < t.RowCount() {
		best = min(t.ColumnCount(), startCol)
		found = best > 0
	}
	for coord, cell := range sh.Cells {
		if coord.Row != row0 || !usedAt(cell) {
			continue
		}
		col1 := coord.Col + 1
		if col1 > startCol {
			continue
		}
		if !found || col1 > best {
			best, found = col1, true
		}
	}
	return best, found
}

// NextUsedColInRow implements Spreadsheet: the smallest used column >=
// startCol in a row.
func (a *Adapter) NextUsedColInRow(sheetIdx, row, startCol int) (int, bool) {
	if row <= 0 || startCol <= 0 {
		return 0, false
	}
	wb, err := a.workbook()
	if err != nil || sheetIdx < 0 || sheetIdx >= len(wb.Sheets) {
		return 0, false
	}
	sh := wb.Sheets[sheetIdx]
	row0 := row - 1

	best, found := 0, false
	if t := sh.Columnar; t.ColumnCount() > 0 && row0 < t.RowCount() && startCol <= t.ColumnCount() {
		best, found = startCol, true
	}
	for coord, cell := range sh.Cells {
		if coord.Row != row0 || !usedAt(cell) {
			continue
		}
		col1 := coord.Col + 1
		if col1 < startCol {
			continue
		}
		if !found || col1 < best {
			best, found = col1, true
		}
	}
	return best, found
}

// UsedCellsInRange implements Spreadsheet: 1-indexed coordinates of used
// sparse cells inside the rectangle.
func (a *Adapter) UsedCellsInRange(r RangeRef) [][2]int {
	wb, err := a.workbook()
	if err != nil || r.Sheet < 0 || r.Sheet >= len(wb.Sheets) {
		return nil
	}
	sh := wb.Sheets[r.Sheet]

	var out [][2]int
	for coord, cell := range sh.Cells {
		row1, col1 := coord.Row+1, coord.Col+1
		if row1 < r.StartRow || row1 > r.EndRow || col1 < r.StartCol || col1 > r.EndCol {
			continue
		}
		if !usedAt(cell) {
			continue
		}
		out = append(out, [2]int{row1, col1})
	}
	return out
}

// cellValueToRuntime maps a cell value onto the runtime scalar bijection.
// Errors cross as their display string.
func cellValueToRuntime(v sheet.Value) Value {
	switch v.Kind() {
	case sheet.KindEmpty:
		return Value{Kind: ValueEmpty}
	case sheet.KindNumber:
		return Value{Kind: ValueNumber, Number: v.Number()}
	case sheet.KindText:
		return Value{Kind: ValueString, Str: v.Text()}
	case sheet.KindBool:
		return Value{Kind: ValueBool, Bool: v.Bool()}
	case sheet.KindError:
		return Value{Kind: ValueString, Str: string(v.Code())}
	}
	return Value{Kind: ValueEmpty}
}

// runtimeValueToEdit maps a runtime scalar onto a cell edit. Strings
// beginning with '=' become formulas; composites are rejected so a bad write
// never partially applies.
func runtimeValueToEdit(v Value) (state.CellEdit, error) {
	switch v.Kind {
	case ValueEmpty, ValueNull:
		return state.CellEdit{}, nil
	case ValueBool:
		lit := sheet.Bool(v.Bool)
		return state.CellEdit{Value: &lit}, nil
	case ValueNumber:
		lit := sheet.Number(v.Number)
		return state.CellEdit{Value: &lit}, nil
	case ValueString:
		if strings.HasPrefix(v.Str, "=") {
			return state.CellEdit{Formula: v.Str}, nil
		}
		lit := sheet.Text(v.Str)
		return state.CellEdit{Value: &lit}, nil
	default:
		return state.CellEdit{}, &RuntimeError{Msg: fmt.Sprintf(
			"unsupported macro value for cell assignment: %s", v.Kind)}
	}
}

// SheetNameEqual compares sheet names under case-insensitive simple folding,
// the normalization sheet lookup uses everywhere.
func SheetNameEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
