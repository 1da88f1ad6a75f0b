package macro

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calcgrid/calcgrid/config"
	"github.com/calcgrid/calcgrid/internal/sheet"
	"github.com/calcgrid/calcgrid/internal/state"
)

func defaultCaps() Caps {
	return Caps{
		MaxOutputLines: config.DefaultMaxMacroOutputLines,
		MaxOutputBytes: config.DefaultMaxMacroOutputBytes,
		MaxLineBytes:   config.DefaultMaxMacroLineBytes,
		MaxUpdates:     config.DefaultMaxMacroUpdates,
	}
}

func stateWithSheet(t *testing.T, names ...string) (*state.AppState, *sheet.Workbook) {
	t.Helper()
	if len(names) == 0 {
		names = []string{"Sheet1"}
	}
	wb := sheet.NewEmpty("")
	for _, n := range names {
		wb.AddSheet(n)
	}
	st := state.New()
	st.LoadWorkbook(wb)
	return st, wb
}

func newTestAdapter(t *testing.T, st *state.AppState, caps Caps) *Adapter {
	t.Helper()
	a, err := NewAdapter(st, DefaultRuntimeContext(), caps)
	require.NoError(t, err)
	return a
}

func TestAdapterSheetLookup(t *testing.T) {
	st, _ := stateWithSheet(t, "Alpha", "Beta")
	a := newTestAdapter(t, st, defaultCaps())

	require.Equal(t, 2, a.SheetCount())
	name, ok := a.SheetName(1)
	require.True(t, ok)
	require.Equal(t, "Beta", name)

	idx, ok := a.SheetIndex("beta")
	require.True(t, ok)
	require.Equal(t, 1, idx)
	_, ok = a.SheetIndex("Gamma")
	require.False(t, ok)
}

func TestAdapterActiveCellIsOneIndexed(t *testing.T) {
	st, _ := stateWithSheet(t)
	a := newTestAdapter(t, st, defaultCaps())

	require.Error(t, a.SetActiveCell(0, 1))
	require.Error(t, a.SetActiveCell(1, 0))
	require.NoError(t, a.SetActiveCell(3, 2))
	row, col := a.ActiveCell()
	require.Equal(t, 3, row)
	require.Equal(t, 2, col)

	require.Error(t, a.SetActiveSheet(5))
	require.NoError(t, a.SetActiveSheet(0))
}

func TestAdapterWritesRouteThroughEngine(t *testing.T) {
	st, _ := stateWithSheet(t)
	a := newTestAdapter(t, st, defaultCaps())

	require.NoError(t, a.SetCellValue(0, 1, 1, Value{Kind: ValueNumber, Number: 2}))
	require.NoError(t, a.SetCellFormula(0, 1, 2, "=A1*10"))

	v, err := a.GetCellValue(0, 1, 2)
	require.NoError(t, err)
	require.Equal(t, Value{Kind: ValueNumber, Number: 20}, v)

	// Strings beginning with '=' written as values become formulas.
	require.NoError(t, a.SetCellValue(0, 2, 1, Value{Kind: ValueString, Str: "=B1+1"}))
	f, err := a.GetCellFormula(0, 2, 1)
	require.NoError(t, err)
	require.Equal(t, "=B1+1", f)
	v, err = a.GetCellValue(0, 2, 1)
	require.NoError(t, err)
	require.Equal(t, Value{Kind: ValueNumber, Number: 21}, v)

	require.NoError(t, a.ClearCellContents(0, 2, 1))
	v, err = a.GetCellValue(0, 2, 1)
	require.NoError(t, err)
	require.Equal(t, Value{Kind: ValueEmpty}, v)
}

func TestAdapterRejectsCompositeValues(t *testing.T) {
	st, _ := stateWithSheet(t)
	a := newTestAdapter(t, st, defaultCaps())

	err := a.SetCellValue(0, 1, 1, Value{Kind: ValueArray})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Array")

	// The rejected write must not partially apply.
	v, err := a.GetCellValue(0, 1, 1)
	require.NoError(t, err)
	require.Equal(t, Value{Kind: ValueEmpty}, v)
	require.Empty(t, a.TakeUpdates())
}

func TestAdapterErrorValuesCrossAsStrings(t *testing.T) {
	st, wb := stateWithSheet(t)
	a := newTestAdapter(t, st, defaultCaps())

	require.NoError(t, a.SetCellFormula(0, 1, 1, "=1/0"))
	v, err := a.GetCellValue(0, 1, 1)
	require.NoError(t, err)
	require.Equal(t, Value{Kind: ValueString, Str: "#DIV/0!"}, v)
	_ = wb
}

func TestLogLineAndByteCaps(t *testing.T) {
	st, _ := stateWithSheet(t)
	caps := Caps{MaxOutputLines: 3, MaxOutputBytes: 1024, MaxLineBytes: 64, MaxUpdates: 10}
	a := newTestAdapter(t, st, caps)

	a.Log("one")
	a.Log("two")
	a.Log("three")
	a.Log("four") // over the line cap

	out := a.TakeOutput()
	require.Len(t, out, 3)
	require.Equal(t, truncatedMarker, out[len(out)-1])

	// After the sentinel, further logs are dropped silently.
	a.Log("five")
	require.Empty(t, a.TakeOutput())
}

func TestLogSentinelReplacesLastLineAtCeiling(t *testing.T) {
	st, _ := stateWithSheet(t)
	caps := Caps{MaxOutputLines: 2, MaxOutputBytes: 1024, MaxLineBytes: 64, MaxUpdates: 10}
	a := newTestAdapter(t, st, caps)

	a.Log("a")
	a.Log("b")
	a.Log("c")

	out := a.TakeOutput()
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0])
	require.Equal(t, truncatedMarker, out[1])
}

func TestLogPerLineTruncation(t *testing.T) {
	st, _ := stateWithSheet(t)
	caps := Caps{MaxOutputLines: 10, MaxOutputBytes: 4096, MaxLineBytes: 64, MaxUpdates: 10}
	a := newTestAdapter(t, st, caps)

	a.Log(strings.Repeat("x", 500))
	out := a.TakeOutput()
	require.Len(t, out, 1)
	require.LessOrEqual(t, len(out[0]), 64)
	require.True(t, strings.HasSuffix(out[0], messageTruncatedSuffix))
}

func TestLogTruncationRespectsCharacterBoundaries(t *testing.T) {
	st, _ := stateWithSheet(t)
	caps := Caps{MaxOutputLines: 10, MaxOutputBytes: 4096, MaxLineBytes: 32, MaxUpdates: 10}
	a := newTestAdapter(t, st, caps)

	a.Log(strings.Repeat("é", 100)) // 2 bytes per rune
	out := a.TakeOutput()
	require.Len(t, out, 1)
	prefix := strings.TrimSuffix(out[0], messageTruncatedSuffix)
	require.True(t, strings.HasSuffix(out[0], messageTruncatedSuffix))
	for _, r := range prefix {
		require.NotEqual(t, '�', r)
	}
}

func TestLogByteCapEmitsSentinel(t *testing.T) {
	st, _ := stateWithSheet(t)
	caps := Caps{MaxOutputLines: 100, MaxOutputBytes: 40, MaxLineBytes: 8192, MaxUpdates: 10}
	a := newTestAdapter(t, st, caps)

	a.Log(strings.Repeat("a", 20))
	a.Log(strings.Repeat("b", 21)) // would exceed 40 bytes

	out := a.TakeOutput()
	total := 0
	for _, line := range out {
		total += len(line)
	}
	require.LessOrEqual(t, total, 40)
	require.Equal(t, truncatedMarker, out[len(out)-1])
}

func TestUpdateCapRollback(t *testing.T) {
	st, wb := stateWithSheet(t)
	sid := wb.Sheets[0].ID
	caps := defaultCaps()

	// Seed MaxUpdates+1 dependents of A1 so one write overflows the cap.
	sh := wb.Sheets[0]
	for row := 0; row <= caps.MaxUpdates; row++ {
		sh.SetCell(row, 1, sheet.FromFormula("=A1"))
	}
	st.LoadWorkbook(wb)

	a := newTestAdapter(t, st, caps)
	err := a.SetCellValue(0, 1, 1, Value{Kind: ValueNumber, Number: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "limit 1000")

	// The write rolled back and is not redoable.
	data, gerr := st.GetCell(sid, 0, 0)
	require.NoError(t, gerr)
	require.Equal(t, sheet.Empty(), data.Value)
	require.Zero(t, st.RedoDepth())
	require.Empty(t, a.TakeUpdates())
}

func TestUsedRangeQueries(t *testing.T) {
	st, wb := stateWithSheet(t)
	sh := wb.Sheets[0]
	sh.SetCell(0, 0, sheet.FromLiteral(sheet.Number(1)))  // A1
	sh.SetCell(4, 0, sheet.FromLiteral(sheet.Number(2)))  // A5
	sh.SetCell(2, 3, sheet.FromLiteral(sheet.Text("x")))  // D3
	st.LoadWorkbook(wb)

	a := newTestAdapter(t, st, defaultCaps())

	last, ok := a.LastUsedRowInColumn(0, 1, 100)
	require.True(t, ok)
	require.Equal(t, 5, last)

	next, ok := a.NextUsedRowInColumn(0, 1, 2)
	require.True(t, ok)
	require.Equal(t, 5, next)

	lastCol, ok := a.LastUsedColInRow(0, 3, 100)
	require.True(t, ok)
	require.Equal(t, 4, lastCol)

	_, ok = a.NextUsedColInRow(0, 9, 1)
	require.False(t, ok)

	cells := a.UsedCellsInRange(RangeRef{Sheet: 0, StartRow: 1, StartCol: 1, EndRow: 3, EndCol: 4})
	require.ElementsMatch(t, [][2]int{{1, 1}, {3, 4}}, cells)

	// Zero arguments are rejected, not clamped.
	_, ok = a.LastUsedRowInColumn(0, 0, 1)
	require.False(t, ok)
}

func TestUsedRangeQueriesSeeColumnarTable(t *testing.T) {
	st, wb := stateWithSheet(t)
	sh := wb.Sheets[0]
	sh.Columnar = sheet.NewTable([]sheet.Column{
		{Name: "n", Kind: sheet.ColumnNumber, Numbers: []float64{1, 2, 3}},
	})
	sh.SetCell(9, 0, sheet.FromLiteral(sheet.Number(10))) // A10, past the table
	st.LoadWorkbook(wb)

	a := newTestAdapter(t, st, defaultCaps())

	last, ok := a.LastUsedRowInColumn(0, 1, 100)
	require.True(t, ok)
	require.Equal(t, 10, last)

	// Bounded by the table when the sparse cell is below the start row.
	last, ok = a.LastUsedRowInColumn(0, 1, 5)
	require.True(t, ok)
	require.Equal(t, 3, last)

	next, ok := a.NextUsedRowInColumn(0, 1, 2)
	require.True(t, ok)
	require.Equal(t, 2, next)
}
