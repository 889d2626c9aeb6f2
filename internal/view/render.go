package view

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/todosync/internal/todo"
)

// Printer renders the list for a terminal.
type Printer struct {
	out io.Writer

	title   lipgloss.Style
	done    lipgloss.Style
	pending lipgloss.Style
	muted   lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
}

// NewPrinter creates a printer writing to out. With noColor every style
// degrades to plain text.
func NewPrinter(out io.Writer, noColor bool) *Printer {
	r := lipgloss.NewRenderer(out)
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		out:     out,
		title:   r.NewStyle().Bold(true),
		done:    r.NewStyle().Faint(true).Strikethrough(true),
		pending: r.NewStyle().Foreground(lipgloss.Color("214")),
		muted:   r.NewStyle().Faint(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		err:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// List prints grouped items followed by a stats line.
func (p *Printer) List(groups []Group, stats Stats) {
	if len(groups) == 0 {
		fmt.Fprintln(p.out, p.muted.Render("No to-dos."))
	}
	for i, g := range groups {
		if i > 0 {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintln(p.out, p.title.Render(g.Label))
		for _, it := range g.Items {
			fmt.Fprintln(p.out, p.Item(it))
		}
	}
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, p.muted.Render(fmt.Sprintf("%d total · %d completed · %d pending",
		stats.Total, stats.Completed, stats.Pending)))
}

// Item renders one line.
func (p *Printer) Item(it todo.Item) string {
	box := "[ ]"
	text := p.pending.Render(it.Text)
	if it.Completed {
		box = "[x]"
		text = p.done.Render(it.Text)
	}
	var b strings.Builder
	b.WriteString("  ")
	b.WriteString(box)
	b.WriteString(" ")
	b.WriteString(text)
	b.WriteString("  ")
	b.WriteString(p.muted.Render(shortID(it.ID)))
	if it.IsTemporary() {
		b.WriteString(" ")
		b.WriteString(p.warn.Render("(not synced)"))
	}
	return b.String()
}

// Notice prints a highlighted one-line message.
func (p *Printer) Notice(format string, args ...any) {
	fmt.Fprintln(p.out, p.warn.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.out, p.err.Render(fmt.Sprintf(format, args...)))
}

// Line prints unstyled text.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// shortID trims ids for display. Temporary ids keep their prefix.
func shortID(id string) string {
	const n = 8
	if todo.IsTempID(id) {
		rest := strings.TrimPrefix(id, todo.TempIDPrefix)
		if len(rest) > n {
			rest = rest[:n]
		}
		return todo.TempIDPrefix + rest
	}
	if len(id) > n {
		return id[:n]
	}
	return id
}
