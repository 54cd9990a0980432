package email

import (
	"fmt"
	"html"
	"strings"
)

// The bodies are built in code; every interpolated value goes through html.EscapeString.

func writeHead(b *strings.Builder, title string) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(fmt.Sprintf("<title>%s</title>\n", html.EscapeString(title)))
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #f2a93b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".code { font-family: ui-monospace, Menlo, monospace; font-size: 1.8em; letter-spacing: 0.2em; background: #fdf3e1; padding: 10px 16px; border-radius: 8px; display: inline-block; }\n")
	b.WriteString("table { border-collapse: collapse; width: 100%; }\n")
	b.WriteString("th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eee; }\n")
	b.WriteString(".winner td { font-weight: 600; color: #c77d12; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #c77d12; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".code { background: #2b2419; }\n")
	b.WriteString("th, td { border-bottom-color: #333; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) writeFooter(b *strings.Builder) {
	b.WriteString("<div class=\"footer\">\n")
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Open Cooped</a>\n", html.EscapeString(s.baseURL)))
	} else {
		b.WriteString("Cooped\n")
	}
	b.WriteString("</div>\n</body>\n</html>")
}

func (s *Sender) formatInviteBody(inv Invite) string {
	var b strings.Builder
	writeHead(&b, "Coop invitation")

	b.WriteString("<div class=\"header\">\n")
	if inv.CoopName != "" {
		b.WriteString(fmt.Sprintf("<h2>You're invited to %s</h2>\n", html.EscapeString(inv.CoopName)))
	} else {
		b.WriteString("<h2>You're invited to a coop</h2>\n")
	}
	b.WriteString("</div>\n")

	if inv.InviterName != "" {
		b.WriteString(fmt.Sprintf("<p><strong>%s</strong> wants you in their coop.</p>\n", html.EscapeString(inv.InviterName)))
	}
	b.WriteString("<p>Enter this join code in the extension:</p>\n")
	b.WriteString(fmt.Sprintf("<p class=\"code\">%s</p>\n", html.EscapeString(inv.JoinCode)))
	b.WriteString("<p>Coops hold up to 10 members. Side quests are open to everyone in the coop for 24 hours.</p>\n")

	s.writeFooter(&b)
	return b.String()
}

func (s *Sender) formatResultsBody(title string, standings []Standing) string {
	var b strings.Builder
	writeHead(&b, "Side quest results")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", html.EscapeString(orDefault(title, "Side quest"))))
	b.WriteString("</div>\n")

	if len(standings) == 0 {
		b.WriteString("<p>Nobody attempted this side quest.</p>\n")
		s.writeFooter(&b)
		return b.String()
	}

	b.WriteString("<table>\n<tr><th>#</th><th>Member</th><th>Accuracy</th><th>Time</th><th>XP</th></tr>\n")
	for _, st := range standings {
		row := "<tr>"
		if st.Placement == 1 {
			row = "<tr class=\"winner\">"
		}
		b.WriteString(fmt.Sprintf("%s<td>%d</td><td>%s</td><td>%.0f%%</td><td>%.1fs</td><td>+%d</td></tr>\n",
			row,
			st.Placement,
			html.EscapeString(orDefault(st.DisplayName, "Anonymous")),
			st.AccuracyPercent,
			st.TimeTakenSeconds,
			st.XPAwarded))
	}
	b.WriteString("</table>\n")

	s.writeFooter(&b)
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
