package codec

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calcgrid/calcgrid/internal/sheet"
	"github.com/calcgrid/calcgrid/internal/state"
)

func TestXlsxRoundTrip(t *testing.T) {
	wb := sheet.NewEmpty("")
	sh := wb.AddSheet("Data")
	sh.SetCell(0, 0, sheet.FromLiteral(sheet.Number(3)))
	sh.SetCell(0, 1, sheet.FromFormula("=A1+4"))
	sh.SetCell(1, 0, sheet.FromLiteral(sheet.Text("label")))
	sh.SetCell(1, 1, sheet.FromLiteral(sheet.Bool(true)))
	wb.AddSheet("Empty")

	path := filepath.Join(t.TempDir(), "roundtrip.xlsx")
	require.NoError(t, Save(wb, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Sheets, 2)
	require.Equal(t, "Data", loaded.Sheets[0].Name)
	require.NotEmpty(t, loaded.Sheets[0].ID)
	require.NotEqual(t, loaded.Sheets[0].ID, loaded.Sheets[1].ID)
	require.Nil(t, loaded.VBAProjectBin)

	// The engine recomputes on load; here we check inputs survived.
	st := state.New()
	info := st.LoadWorkbook(loaded)
	sid := info.Sheets[0].ID

	a1, err := st.GetCell(sid, 0, 0)
	require.NoError(t, err)
	require.Equal(t, sheet.Number(3), a1.Value)

	b1, err := st.GetCell(sid, 0, 1)
	require.NoError(t, err)
	require.Equal(t, "=A1+4", b1.Formula)
	require.Equal(t, sheet.Number(7), b1.Value)

	a2, err := st.GetCell(sid, 1, 0)
	require.NoError(t, err)
	require.Equal(t, sheet.Text("label"), a2.Value)

	b2, err := st.GetCell(sid, 1, 1)
	require.NoError(t, err)
	require.Equal(t, sheet.Bool(true), b2.Value)
}

func TestSaveMaterializesColumnarUnlessOverridden(t *testing.T) {
	wb := sheet.NewEmpty("")
	sh := wb.AddSheet("Data")
	sh.Columnar = sheet.NewTable([]sheet.Column{
		{Name: "n", Kind: sheet.ColumnNumber, Numbers: []float64{1, 2}},
	})
	// Sparse cell wins over the columnar slot at (0,0).
	sh.SetCell(0, 0, sheet.FromLiteral(sheet.Number(9)))

	path := filepath.Join(t.TempDir(), "columnar.xlsx")
	require.NoError(t, Save(wb, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	got := loaded.Sheets[0]
	require.Equal(t, sheet.Number(9), got.CellAt(0, 0).Computed)
	require.Equal(t, sheet.Number(2), got.CellAt(1, 0).Computed)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.xlsx"))
	require.Error(t, err)
}
