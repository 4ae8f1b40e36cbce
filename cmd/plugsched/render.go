package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"plugsched/internal/plugin"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// parseParams merges a JSON object with key=value pairs; pairs win. A value
// that parses as JSON keeps its type, anything else is a string.
func parseParams(rawJSON string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &out); err != nil {
			return nil, fmt.Errorf("--params-json: %w", err)
		}
	}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", kv)
		}
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			out[k] = typed
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table renders rows with columns padded to their widest cell.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			st := lipgloss.NewStyle().Width(widths[i] + 2)
			if style != nil {
				st = st.Inherit(*style)
			}
			parts[i] = st.Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}
	var b strings.Builder
	b.WriteString(line(header, &headerStyle))
	b.WriteByte('\n')
	for _, r := range rows {
		b.WriteString(line(r, nil))
		b.WriteByte('\n')
	}
	return b.String()
}

func scheduleSummary(d storage.TaskDefinition) string {
	switch d.ScheduleType {
	case storage.ScheduleInterval:
		if secs, ok := d.ScheduleConfig["interval_seconds"].(float64); ok {
			return "every " + (time.Duration(secs) * time.Second).String()
		}
		if raw, ok := d.ScheduleConfig["interval"].(string); ok {
			return "every " + raw
		}
	case storage.ScheduleCron:
		expr, _ := d.ScheduleConfig["cron"].(string)
		if tz, ok := d.ScheduleConfig["timezone"].(string); ok && tz != "" {
			return expr + " (" + tz + ")"
		}
		return expr
	}
	return string(d.ScheduleType) + "?"
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return mutedStyle.Render("never")
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

func renderTasks(defs []storage.TaskDefinition, now time.Time) string {
	if len(defs) == 0 {
		return mutedStyle.Render("no tasks") + "\n"
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		enabled := okStyle.Render("yes")
		if !d.Enabled {
			enabled = badStyle.Render("no")
		}
		rows = append(rows, []string{
			d.ID,
			d.Name,
			d.PluginName,
			scheduleSummary(d),
			enabled,
			strconv.Itoa(d.Priority),
			relTime(d.LastRun, now),
			relTime(d.NextRun, now),
		})
	}
	return table([]string{"ID", "NAME", "PLUGIN", "SCHEDULE", "ENABLED", "PRI", "LAST RUN", "NEXT RUN"}, rows)
}

func renderPlugins(sts []plugin.Status) string {
	if len(sts) == 0 {
		return mutedStyle.Render("no plugins") + "\n"
	}
	rows := make([][]string, 0, len(sts))
	for _, s := range sts {
		health := okStyle.Render("healthy")
		switch {
		case !s.Healthy:
			health = badStyle.Render("unhealthy")
		case !s.Enabled:
			health = mutedStyle.Render("disabled")
		}
		loaded := ""
		if s.LoadedAt != nil {
			loaded = humanize.Time(*s.LoadedAt)
		}
		sum := s.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		rows = append(rows, []string{s.Name, string(s.Kind), s.Version, health, loaded, sum, s.Error})
	}
	return table([]string{"NAME", "KIND", "VERSION", "STATE", "LOADED", "CHECKSUM", "ERROR"}, rows)
}

func renderRecord(rec engine.Record) string {
	state := okStyle.Render(string(rec.State))
	if rec.State != engine.StateSuccess {
		state = badStyle.Render(string(rec.State))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  attempts=%d", headerStyle.Render(rec.Plugin), mutedStyle.Render(rec.Handle), state, rec.Attempts)
	if !rec.StartedAt.IsZero() && !rec.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "  took=%s", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	b.WriteByte('\n')
	if rec.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", rec.Error)
	}
	if rec.Result != nil && rec.Result.Output != nil {
		out, err := json.MarshalIndent(rec.Result.Output, "", "  ")
		if err != nil {
			fmt.Fprintf(&b, "%v\n", rec.Result.Output)
		} else {
			b.Write(out)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
