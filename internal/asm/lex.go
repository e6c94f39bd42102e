package asm

import (
	"fmt"
	"strconv"
	"strings"
)

// field is one token of a source line. Quoted fields keep their quote
// character so constants can tell "sym" from sym.
type field struct {
	text  string
	quote byte
}

// cursor walks one source line.
type cursor struct {
	src string
	off int
}

func (c *cursor) eof() bool { return c.off >= len(c.src) }

func (c *cursor) peek() byte {
	if c.eof() {
		return 0
	}
	return c.src[c.off]
}

func (c *cursor) bump() byte {
	b := c.peek()
	if !c.eof() {
		c.off++
	}
	return b
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == ',' || b == '\r'
}

// splitLine tokenizes a line. Whitespace and commas separate fields, ';'
// starts a comment and quoted fields are unescaped like Go literals.
func splitLine(line string) ([]field, error) {
	c := cursor{src: line}
	var out []field
	for {
		for !c.eof() && isSpace(c.peek()) {
			c.bump()
		}
		if c.eof() || c.peek() == ';' {
			return out, nil
		}
		switch q := c.peek(); q {
		case '"', '\'':
			f, err := scanQuoted(&c, q)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		default:
			start := c.off
			for !c.eof() && !isSpace(c.peek()) && c.peek() != ';' {
				c.bump()
			}
			out = append(out, field{text: line[start:c.off]})
		}
	}
}

func scanQuoted(c *cursor, q byte) (field, error) {
	start := c.off
	c.bump()
	for {
		if c.eof() {
			return field{}, fmt.Errorf("unterminated %c literal", q)
		}
		switch c.bump() {
		case '\\':
			c.bump()
		case q:
			raw := c.src[start:c.off]
			if q == '\'' {
				r, _, tail, err := strconv.UnquoteChar(raw[1:len(raw)-1], q)
				if err != nil || tail != "" {
					return field{}, fmt.Errorf("bad character literal %s", raw)
				}
				return field{text: string(r), quote: q}, nil
			}
			s, err := strconv.Unquote(raw)
			if err != nil {
				return field{}, fmt.Errorf("bad string literal %s", raw)
			}
			return field{text: s, quote: q}, nil
		}
	}
}

// parseInt accepts decimal, 0x hex and a leading sign.
func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", s)
	}
	return n, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b == '_' || b == '-' || b == '.' || b == '?' || b == '!':
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// parseFloat accepts Go float syntax but no inf/nan spellings, which read
// as symbols.
func parseFloat(s string) (float64, error) {
	if !strings.ContainsAny(s, "0123456789") {
		return 0, fmt.Errorf("bad float %q", s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad float %q", s)
	}
	return f, nil
}
