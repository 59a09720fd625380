package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/romatekai/romatek-voice/internal/transcript"
)

// Theme holds the colors used for transcript output.
type Theme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

func DefaultTheme() Theme {
	return Theme{
		User:      lipgloss.Color("14"),  // Cyan
		Assistant: lipgloss.Color("12"),  // Blue
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Renderer turns transcript items into terminal lines.
type Renderer struct {
	theme Theme
}

func New(theme Theme) *Renderer {
	return &Renderer{theme: theme}
}

// Transcript renders every visible item in order.
func (r *Renderer) Transcript(items []transcript.Item) string {
	var lines []string
	for _, it := range items {
		if it.Hidden {
			continue
		}
		lines = append(lines, r.Item(it))
	}
	return strings.Join(lines, "\n")
}

// Item renders one message or breadcrumb.
func (r *Renderer) Item(it transcript.Item) string {
	if it.Kind == transcript.KindBreadcrumb {
		return r.breadcrumb(it)
	}

	label := lipgloss.NewStyle().Bold(true)
	switch it.Role {
	case transcript.RoleUser:
		label = label.Foreground(r.theme.User)
	default:
		label = label.Foreground(r.theme.Assistant)
	}

	var b strings.Builder
	b.WriteString(label.Render(string(it.Role) + ":"))
	b.WriteString(" ")
	b.WriteString(it.Text)
	if it.Status == transcript.StatusInProgress {
		b.WriteString(" ")
		b.WriteString(lipgloss.NewStyle().Foreground(r.theme.Muted).Render("…"))
	}
	if it.Guardrail != nil {
		b.WriteString(" ")
		b.WriteString(r.chip(*it.Guardrail))
	}
	return b.String()
}

func (r *Renderer) chip(v transcript.GuardrailVerdict) string {
	style := lipgloss.NewStyle().Padding(0, 1)
	switch {
	case v.Status == transcript.StatusInProgress:
		return style.Foreground(r.theme.Muted).Render("[checking]")
	case v.Fatal():
		text := "[" + string(v.Category) + "]"
		if v.Rationale != "" {
			text = fmt.Sprintf("[%s: %s]", v.Category, v.Rationale)
		}
		return style.Foreground(r.theme.Error).Render(text)
	default:
		return style.Foreground(r.theme.Success).Render("[pass]")
	}
}

func (r *Renderer) breadcrumb(it transcript.Item) string {
	title := lipgloss.NewStyle().Foreground(r.theme.Warning).Render("▸ " + it.Title)
	if !it.Expanded || len(it.Data) == 0 {
		return title
	}
	data, err := json.MarshalIndent(it.Data, "  ", "  ")
	if err != nil {
		return title
	}
	body := lipgloss.NewStyle().Foreground(r.theme.Muted).Render("  " + string(data))
	return title + "\n" + body
}

// Status renders the one-line connection summary.
func (r *Renderer) Status(status, persona string, pushToTalk, muted bool) string {
	color := r.theme.Muted
	switch status {
	case "connected":
		color = r.theme.Success
	case "connecting":
		color = r.theme.Warning
	}
	parts := []string{
		lipgloss.NewStyle().Bold(true).Foreground(color).Render(status),
		"persona: " + persona,
	}
	if pushToTalk {
		parts = append(parts, "push-to-talk")
	}
	if muted {
		parts = append(parts, lipgloss.NewStyle().Foreground(r.theme.Error).Render("muted"))
	}
	return strings.Join(parts, " | ")
}
