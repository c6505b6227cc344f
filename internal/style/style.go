// Package style provides the compact packed-string style description stored
// alongside features. The coding is opaque to callers; only Pack and Parse
// produce or consume it.
package style

import (
	"fmt"
	"strconv"
	"strings"
)

// Style describes how a feature is drawn: stroke, fill, and label. Colors are
// packed ARGB. A zero component is omitted from the packed form.
type Style struct {
	StrokeColor uint32
	StrokeWidth float64
	FillColor   uint32
	Label       string
}

// Pack serializes the style to its packed-string form. A nil style packs to
// the empty string.
func Pack(s *Style) string {
	if s == nil {
		return ""
	}

	var parts []string
	if s.StrokeColor != 0 || s.StrokeWidth != 0 {
		pen := fmt.Sprintf("PEN(c:#%08X", s.StrokeColor)
		if s.StrokeWidth != 0 {
			pen += fmt.Sprintf(",w:%gpx", s.StrokeWidth)
		}
		parts = append(parts, pen+")")
	}
	if s.FillColor != 0 {
		parts = append(parts, fmt.Sprintf("BRUSH(fc:#%08X)", s.FillColor))
	}
	if s.Label != "" {
		parts = append(parts, fmt.Sprintf("LABEL(t:%s)", strconv.Quote(s.Label)))
	}
	return strings.Join(parts, ";")
}

// Parse reconstructs a style from its packed form. The empty string parses to
// nil. Unrecognized tools and parameters are skipped rather than rejected so
// older readers tolerate newer writers.
func Parse(packed string) (*Style, error) {
	if packed == "" {
		return nil, nil
	}

	s := &Style{}
	for _, tool := range splitTools(packed) {
		open := strings.IndexByte(tool, '(')
		if open < 0 || !strings.HasSuffix(tool, ")") {
			return nil, fmt.Errorf("malformed style tool %q", tool)
		}
		name := tool[:open]
		body := tool[open+1 : len(tool)-1]

		switch name {
		case "PEN":
			for _, p := range splitParams(body) {
				switch {
				case strings.HasPrefix(p, "c:#"):
					c, err := parseColor(p[3:])
					if err != nil {
						return nil, err
					}
					s.StrokeColor = c
				case strings.HasPrefix(p, "w:"):
					w := strings.TrimSuffix(p[2:], "px")
					f, err := strconv.ParseFloat(w, 64)
					if err != nil {
						return nil, fmt.Errorf("pen width %q: %w", p, err)
					}
					s.StrokeWidth = f
				}
			}
		case "BRUSH":
			for _, p := range splitParams(body) {
				if strings.HasPrefix(p, "fc:#") {
					c, err := parseColor(p[4:])
					if err != nil {
						return nil, err
					}
					s.FillColor = c
				}
			}
		case "LABEL":
			for _, p := range splitParams(body) {
				if strings.HasPrefix(p, "t:") {
					t, err := strconv.Unquote(p[2:])
					if err != nil {
						return nil, fmt.Errorf("label text %q: %w", p, err)
					}
					s.Label = t
				}
			}
		}
	}
	return s, nil
}

func parseColor(hex string) (uint32, error) {
	c, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", hex, err)
	}
	return uint32(c), nil
}

// splitTools splits on ';' outside of quoted strings.
func splitTools(packed string) []string {
	return splitOutsideQuotes(packed, ';')
}

// splitParams splits on ',' outside of quoted strings.
func splitParams(body string) []string {
	return splitOutsideQuotes(body, ',')
}

func splitOutsideQuotes(s string, sep byte) []string {
	var out []string
	var start int
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
