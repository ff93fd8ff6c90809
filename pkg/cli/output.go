package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// printer writes styled or JSON output to a command's stdout
type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, json: asJSON}
}

// JSON encodes data when JSON output is enabled and reports whether it did
func (p *printer) JSON(data interface{}) bool {
	if !p.json {
		return false
	}
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
	return true
}

func (p *printer) Success(format string, args ...interface{}) {
	fmt.Fprintf(p.out, "  %s %s\n", SuccessStyle.Render(SymbolSuccess), fmt.Sprintf(format, args...))
}

func (p *printer) Error(err error) {
	fmt.Fprintf(p.out, "  %s %s\n", ErrorStyle.Render(SymbolError), ErrorStyle.Render(err.Error()))
}

func (p *printer) Warning(msg string) {
	fmt.Fprintf(p.out, "  %s %s\n", WarningStyle.Render(SymbolWarning), WarningStyle.Render(msg))
}

func (p *printer) Info(format string, args ...interface{}) {
	fmt.Fprintf(p.out, "  %s %s\n", InfoStyle.Render(SymbolInfo), fmt.Sprintf(format, args...))
}

func (p *printer) Header(title string) {
	fmt.Fprintf(p.out, "\n  %s\n\n", BoldStyle.Render(title))
}

func (p *printer) KeyValue(key, value string) {
	fmt.Fprintf(p.out, "  %s %s\n", KeyStyle.Render(key), value)
}

// Table represents a styled table
type Table struct {
	Headers []string
	Rows    [][]string
	Widths  []int
}

func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{
		Headers: headers,
		Widths:  widths,
	}
}

// AddRow pads or truncates cells to the header count
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.Headers))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
			if len(cells[i]) > t.Widths[i] {
				t.Widths[i] = len(cells[i])
			}
		}
	}
	t.Rows = append(t.Rows, row)
}

func (t *Table) Render(w io.Writer) {
	if len(t.Rows) == 0 {
		return
	}

	fmt.Fprint(w, "  ")
	for i, h := range t.Headers {
		fmt.Fprint(w, TableHeaderStyle.Width(t.Widths[i]+2).Render(h))
	}
	fmt.Fprintln(w)

	fmt.Fprint(w, "  ")
	for i := range t.Headers {
		fmt.Fprint(w, DimStyle.Render(strings.Repeat("─", t.Widths[i])), "  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.Rows {
		fmt.Fprint(w, "  ")
		for i, cell := range row {
			fmt.Fprint(w, TableCellStyle.Width(t.Widths[i]+2).Render(cell))
		}
		fmt.Fprintln(w)
	}
}
