package engine

import (
	"sort"

	"github.com/calcgrid/calcgrid/internal/formula"
	"github.com/calcgrid/calcgrid/internal/sheet"
)

// Update describes the externally visible post-recompute state of one cell.
type Update struct {
	SheetID string
	Row     int
	Col     int
	Value   sheet.Value
	Formula string
}

// Engine maintains the dependency graph for a workbook and recomputes the
// impacted formula set on edits. It is not safe for concurrent use; callers
// serialize access the same way they serialize workbook access.
type Engine struct {
	graph *Graph
}

// New constructs an engine with an empty graph.
func New() *Engine {
	return &Engine{graph: NewGraph()}
}

// Graph exposes the underlying dependency graph, primarily for tests.
func (e *Engine) Graph() *Graph { return e.graph }

// Rebuild wipes the graph and reinstalls dependencies for every formula cell
// in the workbook. Called on load and after large-scale mutation.
func (e *Engine) Rebuild(wb *sheet.Workbook) {
	e.graph.Clear()
	for _, s := range wb.Sheets {
		for coord, cell := range s.Cells {
			if !cell.IsFormula() {
				continue
			}
			key := CellKey{SheetID: s.ID, Row: coord.Row, Col: coord.Col}
			e.graph.SetDeps(key, extractDeps(cell.Formula, s.ID))
		}
	}
}

// UpdateCellFormula refreshes the graph for one cell: formula cells get their
// extracted dependencies installed, everything else is removed.
func (e *Engine) UpdateCellFormula(sheetID string, row, col int, f string) {
	key := CellKey{SheetID: sheetID, Row: row, Col: col}
	if f == "" {
		e.graph.RemoveCell(key)
		return
	}
	e.graph.SetDeps(key, extractDeps(f, sheetID))
}

func extractDeps(f, sheetID string) KeySet {
	deps := make(KeySet)
	for _, ref := range formula.ExtractRefs(f) {
		deps[CellKey{SheetID: sheetID, Row: ref.Row, Col: ref.Col}] = struct{}{}
	}
	return deps
}

// RecalculateFrom recomputes the impacted closure of the changed cells and
// returns the diffs. Each cell appears at most once; beyond that, callers
// must not rely on update ordering.
func (e *Engine) RecalculateFrom(wb *sheet.Workbook, changed []CellKey) []Update {
	impacted := make(KeySet)
	for _, cell := range changed {
		for k := range e.graph.DependentsClosure(cell) {
			impacted[k] = struct{}{}
		}
	}
	return e.recalculateImpacted(wb, impacted)
}

// RecalculateAll recomputes every formula cell in the workbook from scratch,
// emitting updates only where computed values changed.
func (e *Engine) RecalculateAll(wb *sheet.Workbook) []Update {
	impacted := make(KeySet)
	for _, s := range wb.Sheets {
		for coord, cell := range s.Cells {
			if cell.IsFormula() {
				impacted[CellKey{SheetID: s.ID, Row: coord.Row, Col: coord.Col}] = struct{}{}
			}
		}
	}
	return e.recalculateImpacted(wb, impacted)
}

// recalculateImpacted runs Kahn's algorithm over the formula subset of the
// impacted closure: cells not drained by the topological pass sit on a cycle
// and are marked #CYCLE!; the rest evaluate in producer-before-consumer
// order against current workbook values.
func (e *Engine) recalculateImpacted(wb *sheet.Workbook, impacted KeySet) []Update {
	if len(impacted) == 0 {
		return nil
	}

	formulaSet := make(KeySet)
	for key := range impacted {
		if wb.CellHasFormula(key.SheetID, key.Row, key.Col) {
			formulaSet[key] = struct{}{}
		}
	}

	inDegree := make(map[CellKey]int, len(formulaSet))
	for cell := range formulaSet {
		count := 0
		for dep := range e.graph.Deps(cell) {
			if _, in := formulaSet[dep]; in {
				count++
			}
		}
		inDegree[cell] = count
	}

	// Seed the queue in sorted key order. Cells released later are appended
	// in map iteration order, so the overall evaluation order is not fixed.
	var queue []CellKey
	for cell, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, cell)
		}
	}
	sortKeys(queue)

	ordered := make([]CellKey, 0, len(formulaSet))
	for len(queue) > 0 {
		cell := queue[0]
		queue = queue[1:]
		ordered = append(ordered, cell)
		for dependent := range e.graph.Dependents(cell) {
			if _, in := formulaSet[dependent]; !in {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	var updates []Update

	if len(ordered) != len(formulaSet) {
		orderedSet := make(KeySet, len(ordered))
		for _, cell := range ordered {
			orderedSet[cell] = struct{}{}
		}
		var cyclic []CellKey
		for cell := range formulaSet {
			if _, in := orderedSet[cell]; !in {
				cyclic = append(cyclic, cell)
			}
		}
		sortKeys(cyclic)
		for _, cell := range cyclic {
			old := wb.CellValue(cell.SheetID, cell.Row, cell.Col)
			if old == sheet.Error(sheet.ErrCycle) {
				continue
			}
			wb.SetComputedValue(cell.SheetID, cell.Row, cell.Col, sheet.Error(sheet.ErrCycle))
			updates = append(updates, Update{
				SheetID: cell.SheetID,
				Row:     cell.Row,
				Col:     cell.Col,
				Value:   sheet.Error(sheet.ErrCycle),
				Formula: wb.CellFormula(cell.SheetID, cell.Row, cell.Col),
			})
		}
	}

	for _, cell := range ordered {
		old := wb.CellValue(cell.SheetID, cell.Row, cell.Col)
		f := wb.CellFormula(cell.SheetID, cell.Row, cell.Col)
		newValue := old
		if f != "" {
			newValue = formula.Evaluate(f, cell.SheetID, wb)
		}
		if newValue != old {
			wb.SetComputedValue(cell.SheetID, cell.Row, cell.Col, newValue)
			updates = append(updates, Update{
				SheetID: cell.SheetID,
				Row:     cell.Row,
				Col:     cell.Col,
				Value:   newValue,
				Formula: f,
			})
		}
	}

	return updates
}

func sortKeys(keys []CellKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.SheetID != b.SheetID {
			return a.SheetID < b.SheetID
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
}
