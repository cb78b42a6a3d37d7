package email

import (
	"fmt"
	"nightvibe/orchestrator"
	"strings"
	"time"
)

func formatSweepReport(r *orchestrator.SweepReport) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.5; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("table { border-collapse: collapse; width: 100%; }\n")
	b.WriteString("th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #ddd; }\n")
	b.WriteString(".ok { color: #27ae60; }\n")
	b.WriteString(".failed { color: #c0392b; font-weight: 600; }\n")
	b.WriteString(".skipped { color: #7f8c8d; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("th, td { border-bottom-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<h2>Sweep report: %d of %d locations succeeded</h2>\n", r.Succeeded(), len(r.Locations)))
	b.WriteString(fmt.Sprintf("<p class=\"meta\">Sweep %s &bull; platform %s &bull; %s UTC &bull; took %s</p>\n",
		escapeHTML(r.ID),
		escapeHTML(string(r.Platform)),
		r.StartedAt.UTC().Format("Jan 2, 2006 at 3:04 PM"),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Second)))

	b.WriteString("<table>\n<tr><th>Location</th><th>Status</th><th>Scraped</th><th>Saved</th><th>Detail</th></tr>\n")
	for _, o := range r.Locations {
		status, class := "ok", "ok"
		switch {
		case o.NotRun:
			status, class = "not run", "skipped"
		case !o.Success:
			status, class = "failed", "failed"
		}
		scraped, saved := "-", "-"
		if o.Result != nil {
			scraped = fmt.Sprint(o.Result.Scraped)
			saved = fmt.Sprint(o.Result.Inserted)
		}
		b.WriteString(fmt.Sprintf("<tr><td>%s</td><td class=\"%s\">%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			escapeHTML(o.Location), class, status, scraped, saved, escapeHTML(o.Error)))
	}
	b.WriteString("</table>\n")

	c := r.Cleanup
	switch {
	case c.Success:
		b.WriteString(fmt.Sprintf("<p class=\"ok\">Cleanup removed %d posts created before %s.</p>\n", c.Deleted, c.Cutoff.UTC().Format(time.RFC3339)))
	case !c.Ran:
		b.WriteString(fmt.Sprintf("<p class=\"skipped\">Cleanup did not run: %s</p>\n", escapeHTML(c.Error)))
	default:
		b.WriteString(fmt.Sprintf("<p class=\"failed\">Cleanup failed: %s</p>\n", escapeHTML(c.Error)))
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
