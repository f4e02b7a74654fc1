package cache

import "unicode/utf16"

// applyEdit replaces the [start,end) range (UTF-16 code-unit line/char
// positions, per LSP) in text with e.NewText. Line terminators \n, \r\n,
// and lone \r are all treated as line breaks, consistently between this
// function and any position lookup elsewhere in the package (spec.md
// §4.7, §9 open question).
func applyEdit(text string, e Edit) string {
	units := utf16.Encode([]rune(text))
	lineStarts := utf16LineStarts(units)

	startOff := lineCharToOffset(units, lineStarts, e.StartLine, e.StartChar)
	endOff := lineCharToOffset(units, lineStarts, e.EndLine, e.EndChar)
	if endOff < startOff {
		endOff = startOff
	}

	newUnits := utf16.Encode([]rune(e.NewText))

	result := make([]uint16, 0, len(units)-(endOff-startOff)+len(newUnits))
	result = append(result, units[:startOff]...)
	result = append(result, newUnits...)
	result = append(result, units[endOff:]...)

	return string(utf16.Decode(result))
}

// utf16LineStarts returns the code-unit offset at which each line begins.
// A line terminator is \n, \r\n, or a lone \r; all advance to a new line
// starting at the unit immediately after the terminator.
func utf16LineStarts(units []uint16) []int {
	starts := []int{0}
	i := 0
	for i < len(units) {
		switch units[i] {
		case '\n':
			i++
			starts = append(starts, i)
		case '\r':
			i++
			if i < len(units) && units[i] == '\n' {
				i++
			}
			starts = append(starts, i)
		default:
			i++
		}
	}
	return starts
}

// lineCharToOffset converts a (line, character) position into a flat
// UTF-16 code-unit offset into units. Positions past the end of a line
// or past the last line clamp to the nearest valid offset rather than
// panicking, since backends occasionally send slightly-stale positions.
func lineCharToOffset(units []uint16, lineStarts []int, line, char int) int {
	if line < 0 {
		line = 0
	}
	if line >= len(lineStarts) {
		return len(units)
	}
	lineStart := lineStarts[line]
	lineEnd := len(units)
	if line+1 < len(lineStarts) {
		lineEnd = lineEndExclusive(units, lineStarts, line)
	}
	offset := lineStart + char
	if offset > lineEnd {
		offset = lineEnd
	}
	if offset < lineStart {
		offset = lineStart
	}
	return offset
}

// lineEndExclusive returns the offset of the line terminator that ends
// the given line (i.e. the line's content length, excluding the
// terminator itself), so a character position can't walk into the next
// line's content through its own terminator.
func lineEndExclusive(units []uint16, lineStarts []int, line int) int {
	nextStart := lineStarts[line+1]
	i := nextStart - 1
	if i < lineStarts[line] {
		return lineStarts[line]
	}
	// nextStart points just past the terminator; step back across it.
	if units[i] == '\n' {
		i--
		if i >= lineStarts[line] && units[i] == '\r' {
			i--
		}
	} else if units[i] == '\r' {
		i--
	}
	return i + 1
}
