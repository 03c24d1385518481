// Package feedback renders human output: status lines and result tables.
package feedback

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/olekukonko/tablewriter"

	"github.com/assertedio/asrtd/pkg/client"
)

// Symbols prefixed to status lines.
const (
	SymbolInfo    = "ℹ"
	SymbolSuccess = "✔"
	SymbolWarning = "⚠"
	SymbolError   = "✖"
)

// Printer writes styled lines. Colors are dropped when the writer is not a
// terminal or when NoColor is set.
type Printer struct {
	w io.Writer
	r *lipgloss.Renderer

	blue, green, yellow, red, bold, header lipgloss.Style
}

// New returns a Printer writing to w.
func New(w io.Writer, noColor bool) *Printer {
	r := lipgloss.NewRenderer(w)
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		w:      w,
		r:      r,
		blue:   r.NewStyle().Foreground(lipgloss.Color("4")),
		green:  r.NewStyle().Foreground(lipgloss.Color("2")),
		yellow: r.NewStyle().Foreground(lipgloss.Color("3")),
		red:    r.NewStyle().Foreground(lipgloss.Color("1")),
		bold:   r.NewStyle().Bold(true),
		header: r.NewStyle().Foreground(lipgloss.Color("4")).Bold(true),
	}
}

func (p *Printer) line(prefix, s string) {
	if prefix == "" {
		_, _ = fmt.Fprintln(p.w, s)
		return
	}
	_, _ = fmt.Fprintln(p.w, prefix, s)
}

// Plain writes s without indentation.
func (p *Printer) Plain(s string) { p.line("", s) }

// Note writes an indented line.
func (p *Printer) Note(s string) { p.line(" ", s) }

func (p *Printer) Info(s string)    { p.line(p.blue.Render(SymbolInfo), s) }
func (p *Printer) Success(s string) { p.line(p.green.Render(SymbolSuccess), s) }
func (p *Printer) Warn(s string)    { p.line(p.yellow.Render(SymbolWarning), s) }
func (p *Printer) Error(s string)   { p.line(p.red.Render(SymbolError), s) }

func (p *Printer) Bold(s string) string   { return p.bold.Render(s) }
func (p *Printer) Green(s string) string  { return p.green.Render(s) }
func (p *Printer) Yellow(s string) string { return p.yellow.Render(s) }
func (p *Printer) Red(s string) string    { return p.red.Render(s) }

// Status colors text by the run or routine status it describes.
func (p *Printer) Status(status, text string) string {
	switch status {
	case client.StatusPassed, client.RoutineActive, client.TimelineUp:
		return p.green.Render(text)
	case client.StatusCreated, client.TimelineImpaired:
		return p.yellow.Render(text)
	case client.StatusFailed, client.TimelineDown:
		return p.red.Render(text)
	default:
		return p.blue.Render(text)
	}
}

// Table renders rows under headers.
func (p *Printer) Table(headers []string, rows [][]string) {
	_, _ = io.WriteString(p.w, p.TableString(headers, rows))
}

// TableString renders a table to a string.
func (p *Printer) TableString(headers []string, rows [][]string) string {
	var sb strings.Builder
	t := tablewriter.NewWriter(&sb)
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = p.header.Render(h)
	}
	t.SetHeader(styled)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("┼")
	t.SetColumnSeparator("│")
	t.SetRowSeparator("─")
	t.AppendBulk(rows)
	t.Render()
	return sb.String()
}

// CapitalCase turns identifiers such as "timedOut" or "not_pushed" into
// "Timed Out" and "Not Pushed".
func CapitalCase(s string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && len(cur) > 0:
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	for i, w := range words {
		rs := []rune(strings.ToLower(w))
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}
