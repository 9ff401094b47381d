package notation

import (
	"sort"
	"strings"
	"time"

	"github.com/park285/relaychess/internal/domain"
)

// Standard header names written first, in this order.
var standardOrder = []string{"Event", "Site", "Date", "White", "Black", "TimeControl", "Result", "Termination"}

type Header struct {
	Name  string
	Value string
}

// Headers is an ordered PGN tag-pair list; names are unique.
type Headers []Header

func (h Headers) Get(name string) string {
	for _, kv := range h {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

// With returns a copy with name set to value.
func (h Headers) With(name, value string) Headers {
	out := make(Headers, 0, len(h)+1)
	found := false
	for _, kv := range h {
		if kv.Name == name {
			kv.Value = value
			found = true
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// Without returns a copy with name removed.
func (h Headers) Without(name string) Headers {
	out := make(Headers, 0, len(h))
	for _, kv := range h {
		if kv.Name != name {
			out = append(out, kv)
		}
	}
	return out
}

func (h Headers) ordered() Headers {
	rank := make(map[string]int, len(standardOrder))
	for i, n := range standardOrder {
		rank[n] = i
	}
	out := append(Headers(nil), h...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Name]
		rj, jok := rank[out[j].Name]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func escapeValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// parseHeaderLine parses `[Name "Value"]`.
func parseHeaderLine(line string) (Header, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return Header{}, false
	}
	body := strings.TrimSpace(line[1 : len(line)-1])
	name, rest, ok := strings.Cut(body, " ")
	if !ok || name == "" {
		return Header{}, false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return Header{}, false
	}
	raw := rest[1 : len(rest)-1]
	var b strings.Builder
	escaped := false
	for _, r := range raw {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return Header{Name: name, Value: b.String()}, true
}

// GameHeaders is the header set every snapshot of a game carries. date is the
// UTC day the game started, so independent clients produce identical text.
func GameHeaders(id, white, black string, tc domain.TimeControl, date time.Time) Headers {
	return Headers{
		{Name: "Event", Value: "Relay chess " + id},
		{Name: "Site", Value: "nostr"},
		{Name: "Date", Value: date.UTC().Format("2006.01.02")},
		{Name: "White", Value: white},
		{Name: "Black", Value: black},
		{Name: "TimeControl", Value: tc.String()},
		{Name: "Result", Value: string(domain.InProgress)},
	}
}
