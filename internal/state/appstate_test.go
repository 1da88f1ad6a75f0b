package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calcgrid/calcgrid/internal/sheet"
)

func newStateWithSheet(t *testing.T) (*AppState, string) {
	t.Helper()
	wb := sheet.NewEmpty("")
	wb.AddSheet("Sheet1")
	st := New()
	info := st.LoadWorkbook(wb)
	require.Len(t, info.Sheets, 1)
	return st, info.Sheets[0].ID
}

func lit(v sheet.Value) CellEdit { return CellEdit{Value: &v} }

func formulaEdit(f string) CellEdit { return CellEdit{Formula: f} }

func TestForwardPropagation(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 1, formulaEdit("=A1+1"))
	require.NoError(t, err)

	b1, err := st.GetCell(sid, 0, 1)
	require.NoError(t, err)
	require.Equal(t, sheet.Number(2), b1.Value)

	updates, err := st.SetCell(sid, 0, 0, lit(sheet.Number(10)))
	require.NoError(t, err)

	var sawB1 bool
	for _, u := range updates {
		if u.Row == 0 && u.Col == 1 {
			sawB1 = true
			require.Equal(t, sheet.Number(11), u.Value)
		}
	}
	require.True(t, sawB1, "expected an update for B1")
	require.True(t, st.HasUnsavedChanges())
}

func TestUndoRedoRoundTrip(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 1, formulaEdit("=A1+1"))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 0, lit(sheet.Number(10)))
	require.NoError(t, err)

	b1, _ := st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Number(11), b1.Value)

	_, err = st.Undo()
	require.NoError(t, err)
	b1, _ = st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Number(2), b1.Value)

	_, err = st.Redo()
	require.NoError(t, err)
	b1, _ = st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Number(11), b1.Value)
}

func TestCycleDetectionAndRecovery(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, formulaEdit("=B1"))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 1, formulaEdit("=A1"))
	require.NoError(t, err)

	a1, _ := st.GetCell(sid, 0, 0)
	b1, _ := st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Error(sheet.ErrCycle), a1.Value)
	require.Equal(t, sheet.Error(sheet.ErrCycle), b1.Value)

	// Breaking the cycle clears both cells.
	_, err = st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	a1, _ = st.GetCell(sid, 0, 0)
	b1, _ = st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Number(1), a1.Value)
	require.Equal(t, sheet.Number(1), b1.Value)
}

func TestDivisionByZeroScenario(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(0)))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 1, formulaEdit("=1/A1"))
	require.NoError(t, err)

	b1, _ := st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Error(sheet.ErrDiv0), b1.Value)

	_, err = st.SetCell(sid, 0, 0, lit(sheet.Number(2)))
	require.NoError(t, err)
	b1, _ = st.GetCell(sid, 0, 1)
	require.Equal(t, sheet.Number(0.5), b1.Value)
}

func TestSetCellIdempotence(t *testing.T) {
	st, sid := newStateWithSheet(t)

	updates, err := st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	depth := st.UndoDepth()

	// An identical second edit is a no-op: empty updates, no history entry.
	updates, err = st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	require.Empty(t, updates)
	require.Equal(t, depth, st.UndoDepth())
}

func TestFormulaNormalization(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, formulaEdit("  1+1  "))
	require.NoError(t, err)
	data, _ := st.GetCell(sid, 0, 0)
	require.Equal(t, "=1+1", data.Formula)

	_, err = st.SetCell(sid, 0, 1, formulaEdit("=2+2"))
	require.NoError(t, err)
	data, _ = st.GetCell(sid, 0, 1)
	require.Equal(t, "=2+2", data.Formula)

	// Whitespace-only formulas are no formula at all; with no value either,
	// the cell clears.
	_, err = st.SetCell(sid, 0, 0, formulaEdit("   "))
	require.NoError(t, err)
	data, _ = st.GetCell(sid, 0, 0)
	require.Empty(t, data.Formula)
	require.Equal(t, sheet.Empty(), data.Value)
}

func TestFormulaEditSynthesizesUpdate(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(2)))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 1, formulaEdit("=A1"))
	require.NoError(t, err)

	// "=A1*1" computes the same value; the edited cell must still appear.
	updates, err := st.SetCell(sid, 0, 1, formulaEdit("=A1*1"))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, 1, updates[0].Col)
	require.Equal(t, "=A1*1", updates[0].Formula)
	require.Equal(t, sheet.Number(2), updates[0].Value)
}

func TestSetRangeMatchesCellwiseEdits(t *testing.T) {
	edits := [][]CellEdit{
		{lit(sheet.Number(1)), formulaEdit("=A1*2")},
		{lit(sheet.Number(3)), formulaEdit("=A2+B1")},
	}

	// Apply as one batch.
	batch, sidBatch := newStateWithSheet(t)
	_, err := batch.SetRange(sidBatch, 0, 0, 1, 1, edits)
	require.NoError(t, err)

	// Apply cell by cell.
	single, sidSingle := newStateWithSheet(t)
	for r, row := range edits {
		for c, e := range row {
			_, err := single.SetCell(sidSingle, r, c, e)
			require.NoError(t, err)
		}
	}

	for r := 0; r <= 1; r++ {
		for c := 0; c <= 1; c++ {
			a, _ := batch.GetCell(sidBatch, r, c)
			b, _ := single.GetCell(sidSingle, r, c)
			require.Equal(t, b, a, "cell (%d,%d)", r, c)
		}
	}
}

func TestSetRangeDimensionMismatch(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetRange(sid, 0, 0, 1, 1, [][]CellEdit{{lit(sheet.Number(1))}})
	var invalid *InvalidRangeError
	require.ErrorAs(t, err, &invalid)

	_, err = st.SetRange(sid, 1, 0, 0, 0, nil)
	require.ErrorAs(t, err, &invalid)
}

func TestSetRangeRecomputesOnce(t *testing.T) {
	st, sid := newStateWithSheet(t)
	_, err := st.SetCell(sid, 0, 2, formulaEdit("=A1+B1"))
	require.NoError(t, err)

	updates, err := st.SetRange(sid, 0, 0, 0, 1, [][]CellEdit{
		{lit(sheet.Number(2)), lit(sheet.Number(3))},
	})
	require.NoError(t, err)

	// C1 appears exactly once despite both inputs changing.
	count := 0
	for _, u := range updates {
		if u.Row == 0 && u.Col == 2 {
			count++
			require.Equal(t, sheet.Number(5), u.Value)
		}
	}
	require.Equal(t, 1, count)

	// One batch, one undo entry: undo restores both inputs.
	_, err = st.Undo()
	require.NoError(t, err)
	c1, _ := st.GetCell(sid, 0, 2)
	require.Equal(t, sheet.Number(0), c1.Value)
}

func TestUndoToEmptyRestoresLoadState(t *testing.T) {
	wb := sheet.NewEmpty("")
	sh := wb.AddSheet("Sheet1")
	sh.SetCell(0, 0, sheet.FromLiteral(sheet.Number(7)))
	sh.SetCell(0, 1, sheet.FromFormula("=A1+1"))

	st := New()
	info := st.LoadWorkbook(wb)
	sid := info.Sheets[0].ID

	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(100)))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 0, 1, formulaEdit("=A1*3"))
	require.NoError(t, err)
	_, err = st.SetCell(sid, 1, 0, lit(sheet.Text("extra")))
	require.NoError(t, err)

	for st.UndoDepth() > 0 {
		_, err := st.Undo()
		require.NoError(t, err)
	}

	a1, _ := st.GetCell(sid, 0, 0)
	b1, _ := st.GetCell(sid, 0, 1)
	a2, _ := st.GetCell(sid, 1, 0)
	require.Equal(t, sheet.Number(7), a1.Value)
	require.Equal(t, "=A1+1", b1.Formula)
	require.Equal(t, sheet.Number(8), b1.Value)
	require.Equal(t, sheet.Empty(), a2.Value)
}

func TestRedoClearedOnFreshEdit(t *testing.T) {
	st, sid := newStateWithSheet(t)

	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	_, err = st.Undo()
	require.NoError(t, err)
	require.Equal(t, 1, st.RedoDepth())

	_, err = st.SetCell(sid, 0, 0, lit(sheet.Number(2)))
	require.NoError(t, err)
	require.Zero(t, st.RedoDepth())

	_, err = st.Redo()
	require.ErrorIs(t, err, ErrNoRedoHistory)
}

func TestHistoryErrors(t *testing.T) {
	st, _ := newStateWithSheet(t)
	_, err := st.Undo()
	require.ErrorIs(t, err, ErrNoUndoHistory)
	_, err = st.Redo()
	require.ErrorIs(t, err, ErrNoRedoHistory)
}

func TestStructuralErrors(t *testing.T) {
	st := New()
	_, err := st.GetCell("x", 0, 0)
	require.ErrorIs(t, err, ErrNoWorkbook)
	_, err = st.Undo()
	require.ErrorIs(t, err, ErrNoWorkbook)

	st, sid := newStateWithSheet(t)
	_, err = st.GetCell("missing", 0, 0)
	var unknown *UnknownSheetError
	require.ErrorAs(t, err, &unknown)

	_, err = st.GetRange(sid, 2, 0, 1, 0)
	var invalid *InvalidRangeError
	require.ErrorAs(t, err, &invalid)
}

func TestMarkSavedKeepsHistory(t *testing.T) {
	st, sid := newStateWithSheet(t)
	_, err := st.SetCell(sid, 0, 0, lit(sheet.Number(1)))
	require.NoError(t, err)
	require.True(t, st.HasUnsavedChanges())

	require.NoError(t, st.MarkSaved("/tmp/out.xlsx"))
	require.False(t, st.HasUnsavedChanges())
	require.Equal(t, 1, st.UndoDepth())

	info, err := st.WorkbookInfo()
	require.NoError(t, err)
	require.Equal(t, "/tmp/out.xlsx", info.Path)
}

func TestLoadWorkbookRefreshesStaleComputedValues(t *testing.T) {
	wb := sheet.NewEmpty("stale.xlsx")
	sh := wb.AddSheet("Sheet1")
	sh.SetCell(0, 0, sheet.FromLiteral(sheet.Number(3)))
	// Simulate a file carrying a stale cached value for the formula cell.
	cell := sheet.FromFormula("=A1+4")
	cell.Computed = sheet.Number(-1)
	sh.SetCell(0, 1, cell)

	st := New()
	info := st.LoadWorkbook(wb)
	b1, err := st.GetCell(info.Sheets[0].ID, 0, 1)
	require.NoError(t, err)
	require.Equal(t, sheet.Number(7), b1.Value)
	require.False(t, st.HasUnsavedChanges())
}

func TestGetRangeReadsRectangle(t *testing.T) {
	st, sid := newStateWithSheet(t)
	_, err := st.SetRange(sid, 0, 0, 1, 1, [][]CellEdit{
		{lit(sheet.Number(1)), lit(sheet.Number(2))},
		{lit(sheet.Number(3)), formulaEdit("=A1+B1")},
	})
	require.NoError(t, err)

	rows, err := st.GetRange(sid, 0, 0, 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, sheet.Number(2), rows[0][1].Value)
	require.Equal(t, sheet.Number(3), rows[1][1].Value)
	require.Equal(t, "=A1+B1", rows[1][1].Formula)
}

func TestUndoRedoSymmetryOnBatch(t *testing.T) {
	st, sid := newStateWithSheet(t)
	_, err := st.SetCell(sid, 0, 2, formulaEdit("=A1+B1"))
	require.NoError(t, err)
	_, err = st.SetRange(sid, 0, 0, 0, 1, [][]CellEdit{
		{lit(sheet.Number(4)), lit(sheet.Number(6))},
	})
	require.NoError(t, err)

	after, _ := st.GetCell(sid, 0, 2)
	require.Equal(t, sheet.Number(10), after.Value)

	_, err = st.Undo()
	require.NoError(t, err)
	_, err = st.Redo()
	require.NoError(t, err)

	back, _ := st.GetCell(sid, 0, 2)
	require.Equal(t, after, back)
}
