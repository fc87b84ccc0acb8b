package stats

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yuin/goldmark"
)

const reportShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s statistics</title>
<style>
body { font-family: sans-serif; max-width: 42em; margin: 2em auto; padding: 0 1em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.3em 0.8em; text-align: left; }
</style>
</head>
<body>
%s
</body>
</html>
`

// RenderReport renders the summary as a complete HTML page. The body
// is composed as markdown and rendered with goldmark, so plugins that
// add report sections can contribute plain markdown.
func RenderReport(botName string, sum *Summary, extra []string) (string, error) {
	md := buildReportMarkdown(botName, sum, extra)

	var body bytes.Buffer
	if err := goldmark.Convert([]byte(md), &body); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return fmt.Sprintf(reportShell, botName, body.String()), nil
}

// WriteReport renders the summary and writes the HTML page at path.
func WriteReport(path, botName string, sum *Summary, extra []string) error {
	page, err := RenderReport(botName, sum, extra)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	// Write-then-rename so readers never see a half-written report.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(page), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return os.Rename(tmp, path)
}

func buildReportMarkdown(botName string, sum *Summary, extra []string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s statistics\n\n", botName)
	fmt.Fprintf(&b, "Generated %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Online time | %s |\n", formatDuration(sum.OnlineSeconds))
	fmt.Fprintf(&b, "| Messages handled | %d |\n", sum.MessagesHandled)
	fmt.Fprintf(&b, "| Replies sent | %d |\n", sum.RepliesSent)
	if !sum.FirstSeen.IsZero() {
		fmt.Fprintf(&b, "| First seen | %s |\n", sum.FirstSeen.Local().Format("2006-01-02 15:04"))
	}
	if !sum.LastMarker.IsZero() {
		fmt.Fprintf(&b, "| Last active | %s |\n", sum.LastMarker.Local().Format("2006-01-02 15:04"))
	}

	for _, section := range extra {
		b.WriteString("\n")
		b.WriteString(section)
		b.WriteString("\n")
	}
	return b.String()
}

func formatDuration(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd %dh", days, int(d.Hours())%24)
}
