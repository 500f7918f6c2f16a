// Package markup converts rich-text editor HTML into the lightweight markup
// understood by chat clients (*bold*, _italic_, ~strike~).
package markup

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// marker returns the transport markup pair for an inline formatting tag
func marker(tag string) string {
	switch tag {
	case "b", "strong":
		return "*"
	case "i", "em":
		return "_"
	case "u":
		return "~"
	}
	return ""
}

// isBreak reports whether the tag renders as a line break
func isBreak(tag string) bool {
	switch tag {
	case "div", "p", "br":
		return true
	}
	return false
}

type openTag struct {
	tag string
	pos int
}

// ToTransport translates HTML produced by the composer into chat markup.
//
// Bold/strong become *x*, italic/em become _x_, underline becomes ~x~,
// div/p/br become newlines and every other tag is dropped. A formatting tag
// that is never closed produces no markers.
func ToTransport(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))

	var out []byte
	var stack []openTag

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed tail; either way we are done
			return string(out)

		case html.TextToken:
			out = append(out, z.Text()...)

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if isBreak(tag) {
				out = append(out, '\n')
				continue
			}
			if tt == html.StartTagToken && marker(tag) != "" {
				stack = append(stack, openTag{tag: tag, pos: len(out)})
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "div" || tag == "p" {
				out = append(out, '\n')
				continue
			}
			m := marker(tag)
			if m == "" {
				continue
			}
			i := lastOpen(stack, tag)
			if i < 0 {
				continue
			}
			out = slices.Insert(out, stack[i].pos, []byte(m)...)
			out = append(out, m...)
			// tags opened inside and never closed are abandoned
			stack = stack[:i]
		}
	}
}

func lastOpen(stack []openTag, tag string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].tag == tag {
			return i
		}
	}
	return -1
}
