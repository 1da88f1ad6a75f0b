package formula

import (
	"strconv"
	"strings"

	"github.com/xuri/efp"
)

// ExtractRefs walks a formula's token stream and returns every well-formed
// same-sheet cell reference, 0-indexed and deduplicated in first-seen order.
// It never fails: unrecognized tokens, function names, and sheet-qualified
// operands it cannot resolve are ignored. The extractor is deliberately more
// permissive than the evaluator so future grammar extensions cannot silently
// break reverse-dependency bookkeeping.
func ExtractRefs(formula string) []CellRef {
	body := strings.TrimSpace(formula)
	body = strings.TrimPrefix(body, "=")
	if body == "" {
		return nil
	}

	seen := make(map[CellRef]struct{})
	var refs []CellRef
	add := func(r CellRef) {
		if _, dup := seen[r]; dup {
			return
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	}

	ps := efp.ExcelParser()
	for _, tok := range ps.Parse(body) {
		if tok.TType != efp.TokenTypeOperand || tok.TSubType != efp.TokenSubTypeRange {
			continue
		}
		// Range operands like "A1:B2" contribute both endpoints; a
		// sheet qualifier is stripped and the reference kept on the
		// current sheet.
		for _, part := range strings.Split(tok.TValue, ":") {
			if bang := strings.LastIndexByte(part, '!'); bang >= 0 {
				part = part[bang+1:]
			}
			if ref, ok := parseRefToken(part); ok {
				add(ref)
			}
		}
	}
	return refs
}

// parseRefToken parses one candidate like "A1", "$B$2". Column runs longer
// than three letters are not cell references; that headroom is reserved for
// function names.
func parseRefToken(s string) (CellRef, bool) {
	i := 0
	if i < len(s) && s[i] == '$' {
		i++
	}
	colStart := i
	for i < len(s) && isLetter(s[i]) {
		i++
	}
	letters := s[colStart:i]
	if len(letters) == 0 || len(letters) > 3 {
		return CellRef{}, false
	}
	if i < len(s) && s[i] == '$' {
		i++
	}
	rowStart := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if rowStart == i || i != len(s) {
		return CellRef{}, false
	}

	col, ok := ColLettersToIndex(letters)
	if !ok {
		return CellRef{}, false
	}
	row, err := strconv.Atoi(s[rowStart:])
	if err != nil || row == 0 {
		return CellRef{}, false
	}
	return CellRef{Row: row - 1, Col: col}, true
}
