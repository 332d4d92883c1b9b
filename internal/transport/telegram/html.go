package telegram

import (
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode=HTML. Values of type H are
// already escaped.
type H string

func esc(s string) H { return H(html.EscapeString(s)) }

func bold(s string) H { return "<b>" + esc(s) + "</b>" }

// quoted wraps an excerpt in guillemets; empty stays empty.
func quoted(s string) H {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "«" + esc(s) + "»"
}

// joinH joins the non-blank parts with sep.
func joinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		ss = append(ss, string(p))
	}
	return H(strings.Join(ss, sep))
}
