package sink

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/wyn/collab/internal/domain"
)

// Console renders events as log lines on a terminal, with a percentile table
// for completed runs.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	label   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	failure lipgloss.Style
}

// NewConsole creates a console sink writing to out.
func NewConsole(out io.Writer) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:     out,
		now:     time.Now,
		label:   r.NewStyle().Bold(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// Emit writes a line for event.
func (c *Console) Emit(event domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case domain.EventTypeConnected:
		c.line(c.ok, "connected - %s", describe(event.Descriptor))
	case domain.EventTypeDisconnected:
		c.line(c.label, "disconnected - %s", describe(event.Descriptor))
	case domain.EventTypeConnectionError:
		fmt.Fprintln(c.out, c.failure.Render("XMPP Error: "+event.ErrorKind.Describe()))
	case domain.EventTypeRunStarted:
		c.line(c.ok, "started run [%s]", event.RunID)
	case domain.EventTypeRunProgress:
		c.line(c.label, "progress [%s] %3d%%", event.RunID, event.Percent)
	case domain.EventTypeRunStalled:
		c.line(c.warn, "stalled [%s] no progress for %s", event.RunID, event.Elapsed.Round(time.Second))
	case domain.EventTypeRunCancelled:
		c.line(c.warn, "cancelled [%s] time taken %ds", event.RunID, event.ElapsedSeconds())
	case domain.EventTypeRunRejected:
		c.line(c.failure, "run rejected - %s", event.Reason)
	case domain.EventTypeRunFailed:
		c.line(c.failure, "failed [%s] %s", event.RunID, event.Reason)
	case domain.EventTypeRunCompleted:
		c.line(c.ok, "finished [%s] time taken %ds", event.RunID, event.ElapsedSeconds())
		fmt.Fprintln(c.out, ResultTable(event.Percentiles))
	}
}

func (c *Console) line(style lipgloss.Style, format string, args ...interface{}) {
	ts := c.now().Format("15:04:05")
	fmt.Fprintf(c.out, "%s %s\n", ts, style.Render("Collab: "+fmt.Sprintf(format, args...)))
}

func describe(d *domain.Descriptor) string {
	if d == nil {
		return "no connection"
	}
	return d.String()
}

// ResultTable renders a percentile map, 95th and 99th percentiles marked.
func ResultTable(m domain.PercentileMap) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Percentile", "Value", ""})
	for _, p := range m.Sorted() {
		mark := ""
		if p.Percentile == 0.95 || p.Percentile == 0.99 {
			mark = "*"
		}
		t.AppendRow(table.Row{
			strconv.FormatFloat(p.Percentile, 'f', -1, 64),
			strconv.FormatFloat(p.Value, 'g', 6, 64),
			mark,
		})
	}
	return t.Render()
}
