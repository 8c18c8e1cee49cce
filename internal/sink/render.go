package sink

import (
	"strings"

	"chanrelay/internal/message"
)

// Header is the attribution line prefixed to every relayed unit.
func Header(display string) string {
	return "From #" + display + ":\n"
}

// Body joins the cleaned member texts. Identical parts collapse to one copy
// (albums often repeat the caption); with ExcludeTextOnMedia set and media
// present the body is empty.
func Body(u Unit) string {
	if u.Options.ExcludeTextOnMedia && len(u.Media()) > 0 {
		return ""
	}
	var parts []string
	for _, m := range u.Messages {
		if t := message.CleanText(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	same := true
	for _, p := range parts[1:] {
		if p != parts[0] {
			same = false
			break
		}
	}
	if same {
		return parts[0]
	}
	return strings.Join(parts, "\n")
}

// Render returns the header followed by the body.
func Render(u Unit) string {
	return Header(u.DisplayName) + Body(u)
}
