// Package prompt turns user-supplied fields into the text sent to the
// image-generation provider.
package prompt

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	MaxSummaryLen  = 10000
	MaxStyleLen    = 200
	MaxLanguageLen = 40

	DefaultStyle    = "modern, clean, flat design"
	DefaultLanguage = "English"
)

// Clean collapses every line break and tab into a single space, trims the
// result and caps it at max runes.
func Clean(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', '\v', '\f', '\u2028', '\u2029':
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	return truncate(s, max)
}

// Language keeps only letters, spaces, hyphens and parentheses, which is
// enough for names like "Portuguese (Brazil)".
func Language(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), r == ' ', r == '-', r == '(', r == ')':
			return r
		}
		return -1
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	s = truncate(s, MaxLanguageLen)
	if s == "" {
		return DefaultLanguage
	}
	return s
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// Input holds the raw user fields for an infographic.
type Input struct {
	Summary  string
	Style    string
	Language string
}

// Sanitized returns a copy with every field cleaned and defaults applied.
func (in Input) Sanitized() Input {
	style := Clean(in.Style, MaxStyleLen)
	if style == "" {
		style = DefaultStyle
	}
	return Input{
		Summary:  Clean(in.Summary, MaxSummaryLen),
		Style:    style,
		Language: Language(in.Language),
	}
}

// Build sanitizes in and renders the generation prompt.
func Build(in Input) string {
	in = in.Sanitized()
	return fmt.Sprintf(
		"Create a professional infographic that explains the content below. "+
			"Visual style: %s. "+
			"Write every label, heading and caption in %s. "+
			"Use a clear hierarchy, readable typography and icons where they help. "+
			"Content: %s",
		in.Style, in.Language, in.Summary,
	)
}
