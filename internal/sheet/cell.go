package sheet

// Cell holds the three orthogonal facets of one grid position: the literal
// input (when present), the formula source (normalized, leading '='), and the
// last computed value. For a non-empty cell exactly one of Input/Formula is
// set; Computed mirrors Input for literal cells and the evaluation result for
// formula cells.
type Cell struct {
	Input    Value
	HasInput bool
	Formula  string
	Computed Value
}

// EmptyCell returns a cell with no content.
func EmptyCell() Cell { return Cell{} }

// FromLiteral builds a literal cell whose computed value equals its input.
func FromLiteral(v Value) Cell {
	return Cell{Input: v, HasInput: true, Computed: v}
}

// FromFormula builds a formula cell awaiting evaluation. Setting a formula
// clears any literal input.
func FromFormula(formula string) Cell {
	return Cell{Formula: formula}
}

// IsFormula reports whether the cell carries a formula.
func (c Cell) IsFormula() bool { return c.Formula != "" }

// Used reports whether the cell holds any content worth keeping: a formula,
// a literal input, or a non-empty computed value.
func (c Cell) Used() bool {
	return c.Formula != "" || c.HasInput || !c.Computed.IsEmpty()
}
