// Package ui renders tasks, the pending queue and status for the terminal,
// and encodes them as JSON, YAML or TOML for scripts.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/vanishlist/vanish/internal/schema"
)

// Format is an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML, FormatTOML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text, json, yaml or toml)", s)
	}
}

// Printer writes to one output, styled when it is a terminal.
type Printer struct {
	out   io.Writer
	width int

	checked  lipgloss.Style
	text     lipgloss.Style
	dim      lipgloss.Style
	badge    lipgloss.Style
	deleting lipgloss.Style
	header   lipgloss.Style
}

// NewPrinter creates a printer for out. Styling and truncation apply only
// when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	p := &Printer{out: out}

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = w
		}
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	p.checked = r.NewStyle().Foreground(lipgloss.Color("244")).Strikethrough(true)
	p.text = r.NewStyle().Foreground(lipgloss.Color("15"))
	p.dim = r.NewStyle().Foreground(lipgloss.Color("241"))
	p.badge = r.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	p.deleting = r.NewStyle().Foreground(lipgloss.Color("203")).Italic(true)
	p.header = r.NewStyle().Foreground(lipgloss.Color("241")).Bold(true)
	return p
}

// Tasks prints the task list.
func (p *Printer) Tasks(tasks []schema.Task, format Format, lockWhilePending bool) error {
	if format != FormatText {
		return p.encode(format, taskList{Tasks: tasks})
	}
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(p.out, p.dim.Render("No tasks."))
		return err
	}
	for _, t := range tasks {
		if _, err := fmt.Fprintln(p.out, p.TaskLine(t, lockWhilePending)); err != nil {
			return err
		}
	}
	return nil
}

// TaskLine renders one task: checkbox, text, estimate, pending indicator
// and id. A task whose controls are locked shows a lock marker in place of
// its checkbox.
func (p *Printer) TaskLine(t schema.Task, lockWhilePending bool) string {
	box := "[ ]"
	if t.Checked {
		box = "[x]"
	}
	if t.Locked(lockWhilePending) {
		box = "[-]"
	}

	text := p.truncate(t.Text)
	if t.Checked {
		text = p.checked.Render(text)
	} else {
		text = p.text.Render(text)
	}

	parts := []string{box, text, p.dim.Render("(" + t.Time + ")")}
	if label := t.Pending.Label(); label != "" {
		style := p.badge
		if t.Pending == schema.PendingDeleting {
			style = p.deleting
		}
		parts = append(parts, style.Render(label))
	}
	parts = append(parts, p.dim.Render(t.ID))
	return strings.Join(parts, " ")
}

// truncate shortens text so a line fits the terminal width.
func (p *Printer) truncate(s string) string {
	if p.width <= 0 {
		return s
	}
	// Room for the checkbox, estimate, badge and a short id.
	limit := p.width - 40
	if limit < 10 {
		limit = 10
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

// QueueItem is the printable form of a queue entry.
type QueueItem struct {
	Seq        int64             `json:"seq" yaml:"seq" toml:"seq"`
	Version    int64             `json:"version" yaml:"version" toml:"version"`
	TaskID     string            `json:"task_id" yaml:"task_id" toml:"task_id"`
	Action     schema.ActionKind `json:"action" yaml:"action" toml:"action"`
	Snapshot   schema.Snapshot   `json:"snapshot" yaml:"snapshot" toml:"snapshot"`
	EnqueuedAt time.Time         `json:"enqueued_at" yaml:"enqueued_at" toml:"enqueued_at"`
}

// NewQueueItem converts a queue entry for output.
func NewQueueItem(e schema.QueueEntry) QueueItem {
	return QueueItem{
		Seq:        e.Seq,
		Version:    e.Version,
		TaskID:     e.TaskID,
		Action:     e.Action.Kind(),
		Snapshot:   e.Snapshot,
		EnqueuedAt: e.EnqueuedAt,
	}
}

// Queue prints pending entries in drain order.
func (p *Printer) Queue(entries []schema.QueueEntry, format Format) error {
	items := make([]QueueItem, len(entries))
	for i, e := range entries {
		items[i] = NewQueueItem(e)
	}
	if format != FormatText {
		return p.encode(format, queueList{Entries: items})
	}

	if len(items) == 0 {
		_, err := fmt.Fprintln(p.out, p.dim.Render("Queue is empty."))
		return err
	}
	if _, err := fmt.Fprintln(p.out, p.header.Render(fmt.Sprintf("%-5s %-16s %-38s %s", "SEQ", "ACTION", "TASK", "QUEUED"))); err != nil {
		return err
	}
	for _, it := range items {
		line := fmt.Sprintf("%-5d %-16s %-38s %s", it.Seq, it.Action, it.TaskID, it.EnqueuedAt.Local().Format(time.DateTime))
		if _, err := fmt.Fprintln(p.out, line); err != nil {
			return err
		}
	}
	return nil
}

// Status is the summary printed by `vanish status`.
type Status struct {
	CachePath        string          `json:"cache_path" yaml:"cache_path" toml:"cache_path"`
	Strategy         schema.Strategy `json:"strategy" yaml:"strategy" toml:"strategy"`
	IDPolicy         schema.IDPolicy `json:"id_policy" yaml:"id_policy" toml:"id_policy"`
	LockWhilePending bool            `json:"lock_while_pending" yaml:"lock_while_pending" toml:"lock_while_pending"`
	Remote           string          `json:"remote" yaml:"remote" toml:"remote"`
	Tasks            int             `json:"tasks" yaml:"tasks" toml:"tasks"`
	Pending          int             `json:"pending" yaml:"pending" toml:"pending"`
	Queued           int             `json:"queued" yaml:"queued" toml:"queued"`
}

// Status prints s.
func (p *Printer) Status(s Status, format Format) error {
	if format != FormatText {
		return p.encode(format, s)
	}
	rows := [][2]string{
		{"Cache", s.CachePath},
		{"Strategy", string(s.Strategy)},
		{"ID policy", string(s.IDPolicy)},
		{"Lock while pending", fmt.Sprint(s.LockWhilePending)},
		{"Remote", s.Remote},
		{"Tasks", fmt.Sprint(s.Tasks)},
		{"Pending", fmt.Sprint(s.Pending)},
		{"Queued", fmt.Sprint(s.Queued)},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(p.out, "%s %s\n", p.header.Render(fmt.Sprintf("%-19s", row[0]+":")), row[1]); err != nil {
			return err
		}
	}
	return nil
}

// Message prints a plain line.
func (p *Printer) Message(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Encode writes v in a machine-readable format.
func (p *Printer) Encode(format Format, v any) error {
	return p.encode(format, v)
}

// taskList and queueList give TOML the top-level table it requires.
type taskList struct {
	Tasks []schema.Task `json:"tasks" yaml:"tasks" toml:"tasks"`
}

type queueList struct {
	Entries []QueueItem `json:"entries" yaml:"entries" toml:"entries"`
}

func (p *Printer) encode(format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(p.out).Encode(v); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("format %q cannot encode %T", format, v)
	}
}
