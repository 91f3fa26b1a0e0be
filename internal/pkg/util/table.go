package util

import (
	"fmt"
	"io"
	"strings"
)

const (
	truncatedCellEnd = " ..."
	maxCellLength    = 48
)

// TextTable renders rows of string cells as a bordered ASCII table,
// column widths follow the widest cell.
type TextTable struct {
	headers []string
	rows    [][]string
}

func NewTextTable(headers ...string) *TextTable {
	return &TextTable{headers: headers}
}

func (t *TextTable) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = truncateCell(cells[i])
		}
	}
	t.rows = append(t.rows, row)
}

func (t *TextTable) Render(w io.Writer) {
	widths := t.columnWidths()

	t.renderBorder(w, widths)
	t.renderRow(w, widths, t.headers)
	t.renderBorder(w, widths)
	for _, row := range t.rows {
		t.renderRow(w, widths, row)
	}
	t.renderBorder(w, widths)
}

func (t *TextTable) renderBorder(w io.Writer, widths []int) {
	parts := make([]string, len(widths))
	for i, width := range widths {
		parts[i] = strings.Repeat("-", width+2)
	}
	fmt.Fprintf(w, "+%s+\n", strings.Join(parts, "+"))
}

func (t *TextTable) renderRow(w io.Writer, widths []int, cells []string) {
	for i, width := range widths {
		// left-justify, the * takes the pad width as an argument
		fmt.Fprintf(w, "| %-*s ", width, cells[i])
	}
	fmt.Fprintf(w, "|\n")
}

func (t *TextTable) columnWidths() []int {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len([]rune(header))
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := len([]rune(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

func truncateCell(s string) string {
	r := []rune(s)
	if len(r) <= maxCellLength {
		return s
	}
	return string(r[:maxCellLength-len(truncatedCellEnd)]) + truncatedCellEnd
}
