package channel

import (
	"strconv"
	"strings"

	"github.com/stellarlinkco/platebot/internal/bus"
)

const ellipsis = "..."

// truncateTitle shortens title to at most limit runes. Overlong titles end in
// an ellipsis and are cut at the last space that still fits, falling back to a
// hard cut when there is none.
func truncateTitle(title string, limit int) string {
	r := []rune(title)
	if limit <= 0 || len(r) <= limit {
		return title
	}
	if limit <= len(ellipsis) {
		return string(r[:limit])
	}

	keep := limit - len(ellipsis)
	cut := keep
	for i := keep; i > 0; i-- {
		if r[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(r[:cut]), " ") + ellipsis
}

// limitRows keeps at most limit options. The last option is assumed to be the
// one that must survive (the confirm row), so overflow is taken from the middle.
func limitRows(rows []bus.Option, limit int) []bus.Option {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	out := make([]bus.Option, 0, limit)
	out = append(out, rows[:limit-1]...)
	return append(out, rows[len(rows)-1])
}

// textMenu renders options as a numbered list for transports without native
// interactive messages. Replies are mapped back with matchTextMenu.
func textMenu(body string, options []bus.Option) string {
	var sb strings.Builder
	sb.WriteString(body)
	if len(options) == 0 {
		return sb.String()
	}
	sb.WriteString("\n")
	for i, o := range options {
		sb.WriteString("\n")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(o.Title)
		if o.Description != "" {
			sb.WriteString(" (")
			sb.WriteString(o.Description)
			sb.WriteString(")")
		}
	}
	return sb.String()
}

// matchTextMenu resolves a numbered reply against the last menu shown.
func matchTextMenu(text string, options []bus.Option) (bus.Option, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), ".")))
	if err != nil || n < 1 || n > len(options) {
		return bus.Option{}, false
	}
	return options[n-1], true
}
