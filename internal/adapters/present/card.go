package present

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxDescription is the longest description a single card carries.
const MaxDescription = 4000

// Colour guide.
const (
	ColorBlue   = 0x4285F4 // standard responses
	ColorRed    = 0xFF0000 // errors
	ColorYellow = 0xFFCC00 // warnings and rate limits
	ColorGreen  = 0x34A853 // success
	ColorTeal   = 0x00C09A // status and info
	ColorPurple = 0xA142F4 // help
	ColorOrange = 0xFB8C00 // media analysis and search
)

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Card is a display-neutral reply; gateways convert it to their own format.
type Card struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Color       int       `json:"color"`
	Fields      []Field   `json:"fields,omitempty"`
	Footer      string    `json:"footer,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Split breaks text into chunks of at most limit runes, preferring to cut at
// a line break in the second half of a chunk.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if i := lastIndexRune(runes[:limit], '\n'); i >= limit/2 {
			cut = i + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
