// Package codec implements the workbook loader/writer contract for the xlsx
// family. It is the boundary between file formats and the in-memory model:
// the engine recomputes on load, so cached values in the file are advisory.
package codec

import (
	"archive/zip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/calcgrid/calcgrid/internal/sheet"
	"github.com/calcgrid/calcgrid/internal/state"
)

const vbaPartName = "xl/vbaProject.bin"

// Load reads an xlsx/xlsm workbook into the data model: literal values,
// formulas, and the embedded macro project bytes when present. Every sheet
// gets a generated unique ID.
func Load(path string) (*sheet.Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("codec: open %s: %w", path, err)
	}
	defer f.Close()

	wb := sheet.NewEmpty(path)
	for _, name := range f.GetSheetList() {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("codec: sheet with empty name in %s", path)
		}
		sh := wb.AddSheet(name)
		if err := loadSheet(f, name, sh); err != nil {
			return nil, err
		}
	}

	bin, err := readVBAProject(path)
	if err != nil {
		return nil, err
	}
	wb.VBAProjectBin = bin
	return wb, nil
}

func loadSheet(f *excelize.File, name string, sh *sheet.Sheet) error {
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return fmt.Errorf("codec: read sheet %s: %w", name, err)
	}
	for r, cols := range rows {
		for c, raw := range cols {
			axis, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			formula, err := f.GetCellFormula(name, axis)
			if err == nil && strings.TrimSpace(formula) != "" {
				sh.SetCell(r, c, sheet.FromFormula(state.NormalizeFormula(formula)))
				continue
			}
			if raw == "" {
				continue
			}
			sh.SetCell(r, c, sheet.FromLiteral(literalFromRaw(f, name, axis, raw)))
		}
	}
	return nil
}

// literalFromRaw maps a raw stored value onto a typed literal using the
// cell's declared type where it disambiguates.
func literalFromRaw(f *excelize.File, name, axis, raw string) sheet.Value {
	if ct, err := f.GetCellType(name, axis); err == nil && ct == excelize.CellTypeBool {
		return sheet.Bool(raw == "1" || strings.EqualFold(raw, "true"))
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return sheet.Number(n)
	}
	return sheet.Text(raw)
}

// readVBAProject pulls the raw macro-project part out of the package, or nil
// when the file has none. The part is opaque here; internal/vba decodes it.
func readVBAProject(path string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("codec: open package %s: %w", path, err)
	}
	defer zr.Close()

	for _, part := range zr.File {
		if part.Name != vbaPartName {
			continue
		}
		rc, err := part.Open()
		if err != nil {
			return nil, fmt.Errorf("codec: open %s: %w", vbaPartName, err)
		}
		defer rc.Close()
		bin, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("codec: read %s: %w", vbaPartName, err)
		}
		return bin, nil
	}
	return nil, nil
}

// Save writes the workbook to path. Computed values are written for literal
// cells only; formula cells carry their formula and are recomputed on the
// next load. Columnar values are materialized where no sparse cell overrides
// them.
func Save(wb *sheet.Workbook, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, sh := range wb.Sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), sh.Name); err != nil {
				return fmt.Errorf("codec: name sheet %s: %w", sh.Name, err)
			}
		} else {
			if _, err := f.NewSheet(sh.Name); err != nil {
				return fmt.Errorf("codec: add sheet %s: %w", sh.Name, err)
			}
		}
		if err := saveSheet(f, sh); err != nil {
			return err
		}
	}

	if wb.VBAProjectBin != nil {
		if err := f.AddVBAProject(wb.VBAProjectBin); err != nil {
			return fmt.Errorf("codec: embed macro project: %w", err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("codec: save %s: %w", path, err)
	}
	return nil
}

func saveSheet(f *excelize.File, sh *sheet.Sheet) error {
	if t := sh.Columnar; t.RowCount() > 0 {
		for r := 0; r < t.RowCount(); r++ {
			for c := 0; c < t.ColumnCount(); c++ {
				if _, sparse := sh.Cells[sheet.Coord{Row: r, Col: c}]; sparse {
					continue
				}
				v := t.Value(r, c)
				if v.IsEmpty() {
					continue
				}
				if err := setLiteral(f, sh.Name, r, c, v); err != nil {
					return err
				}
			}
		}
	}

	for coord, cell := range sh.Cells {
		axis, err := excelize.CoordinatesToCellName(coord.Col+1, coord.Row+1)
		if err != nil {
			return err
		}
		if cell.IsFormula() {
			body := strings.TrimPrefix(cell.Formula, "=")
			if err := f.SetCellFormula(sh.Name, axis, body); err != nil {
				return fmt.Errorf("codec: write formula %s!%s: %w", sh.Name, axis, err)
			}
			continue
		}
		if cell.HasInput {
			if err := setLiteral(f, sh.Name, coord.Row, coord.Col, cell.Input); err != nil {
				return err
			}
		}
	}
	return nil
}

func setLiteral(f *excelize.File, sheetName string, row, col int, v sheet.Value) error {
	axis, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return err
	}
	var val any
	switch v.Kind() {
	case sheet.KindNumber:
		val = v.Number()
	case sheet.KindText:
		val = v.Text()
	case sheet.KindBool:
		val = v.Bool()
	case sheet.KindError:
		val = v.Display()
	default:
		return nil
	}
	if err := f.SetCellValue(sheetName, axis, val); err != nil {
		return fmt.Errorf("codec: write %s!%s: %w", sheetName, axis, err)
	}
	return nil
}
