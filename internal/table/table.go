// Package table parses comma-delimited text blocks and renders them as HTML tables.
package table

import (
	"html"
	"html/template"
	"regexp"
	"strings"
)

// EmptyMessage is shown for a table block with no rows.
const EmptyMessage = "no table content"

// Parse splits text into rows of trimmed cells. A double quote toggles
// quoting; inside quotes a doubled quote is a literal quote and commas do
// not separate cells. The whole input is trimmed first; empty input has no rows.
func Parse(text string) [][]string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	lines := strings.Split(text, "\n")
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, parseLine(strings.TrimSuffix(line, "\r")))
	}
	return rows
}

func parseLine(line string) []string {
	var cells []string
	var cell strings.Builder
	inQuotes := false

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '"' && inQuotes && i+1 < len(runes) && runes[i+1] == '"':
			cell.WriteRune('"')
			i++
		case ch == '"':
			inQuotes = !inQuotes
		case ch == ',' && !inQuotes:
			cells = append(cells, strings.TrimSpace(cell.String()))
			cell.Reset()
		default:
			cell.WriteRune(ch)
		}
	}
	return append(cells, strings.TrimSpace(cell.String()))
}

var codeSpan = regexp.MustCompile("`([^`]+)`")

// Cell renders a cell, turning backtick spans into inline code.
func Cell(text string) template.HTML {
	var b strings.Builder
	last := 0
	for _, m := range codeSpan.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:m[0]]))
		b.WriteString(`<code class="kb-cell-code">`)
		b.WriteString(html.EscapeString(text[m[2]:m[3]]))
		b.WriteString("</code>")
		last = m[1]
	}
	b.WriteString(html.EscapeString(text[last:]))
	return template.HTML(b.String())
}

// Render renders grid with its first row as the header. Data rows shorter
// than the header are padded with empty cells.
func Render(grid [][]string) template.HTML {
	if len(grid) == 0 {
		return template.HTML(`<div class="kb-table kb-table-empty">` + EmptyMessage + `</div>`)
	}

	header := grid[0]
	var b strings.Builder
	b.WriteString(`<div class="kb-table"><table><thead><tr>`)
	for _, h := range header {
		b.WriteString("<th>")
		b.WriteString(string(Cell(h)))
		b.WriteString("</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range grid[1:] {
		b.WriteString("<tr>")
		for _, c := range Pad(row, len(header)) {
			b.WriteString("<td>")
			b.WriteString(string(Cell(c)))
			b.WriteString("</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table></div>")
	return template.HTML(b.String())
}

// Pad right-pads row with empty cells up to width. Longer rows are kept as is.
func Pad(row []string, width int) []string {
	if len(row) >= width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}
