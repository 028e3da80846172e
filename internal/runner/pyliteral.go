// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// beer.conf is a Python module made only of NAME = literal assignments.
// parseAssignments evaluates that subset: strings (including triple quoted
// and adjacent concatenation), numbers, True/False/None, lists, tuples and
// dicts. Tuples decode as lists.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNewline
	tokName
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	val  any
	line int
}

type lexer struct {
	src   string
	pos   int
	line  int
	depth int
}

func (l *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", l.line, fmt.Sprintf(format, args...))
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.pos++
			l.line++
			if l.depth == 0 {
				return token{kind: tokNewline, line: l.line - 1}, nil
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '\\' && strings.HasPrefix(l.src[l.pos:], "\\\n"):
			l.pos += 2
			l.line++
		case c == '\\' && strings.HasPrefix(l.src[l.pos:], "\\\r\n"):
			l.pos += 3
			l.line++
		default:
			return l.scan()
		}
	}
	return token{kind: tokEOF, line: l.line}, nil
}

func (l *lexer) scan() (token, error) {
	c := l.src[l.pos]
	switch {
	case c == '"' || c == '\'':
		return l.str("")
	case c >= '0' && c <= '9', c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		return l.number()
	case c == '_' || isLetter(c):
		start := l.pos
		for l.pos < len(l.src) && (l.src[l.pos] == '_' || isLetter(l.src[l.pos]) || isDigit(l.src[l.pos])) {
			l.pos++
		}
		word := l.src[start:l.pos]
		if l.pos < len(l.src) && (l.src[l.pos] == '"' || l.src[l.pos] == '\'') && isStringPrefix(word) {
			return l.str(strings.ToLower(word))
		}
		return token{kind: tokName, text: word, line: l.line}, nil
	}

	switch c {
	case '[', '(', '{':
		l.depth++
	case ']', ')', '}':
		if l.depth > 0 {
			l.depth--
		}
	case '=', ',', ':', '-', '+':
	default:
		return token{}, l.errorf("unexpected character %q", c)
	}
	l.pos++
	return token{kind: tokOp, text: string(c), line: l.line}, nil
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

func isStringPrefix(word string) bool {
	switch strings.ToLower(word) {
	case "r", "u", "b", "rb", "br":
		return true
	}
	return false
}

func (l *lexer) number() (token, error) {
	start := l.pos
	isFloat := false
	if strings.HasPrefix(l.src[l.pos:], "0x") || strings.HasPrefix(l.src[l.pos:], "0X") ||
		strings.HasPrefix(l.src[l.pos:], "0o") || strings.HasPrefix(l.src[l.pos:], "0O") ||
		strings.HasPrefix(l.src[l.pos:], "0b") || strings.HasPrefix(l.src[l.pos:], "0B") {
		l.pos += 2
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || isLetter(l.src[l.pos]) || l.src[l.pos] == '_') {
			l.pos++
		}
	} else {
	digits:
		for l.pos < len(l.src) {
			c := l.src[l.pos]
			switch {
			case isDigit(c) || c == '_':
			case c == '.':
				isFloat = true
			case c == 'e' || c == 'E':
				isFloat = true
				if l.pos+1 < len(l.src) && (l.src[l.pos+1] == '-' || l.src[l.pos+1] == '+') {
					l.pos++
				}
			default:
				break digits
			}
			l.pos++
		}
	}
	text := l.src[start:l.pos]
	if isFloat {
		f, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
		if err != nil {
			return token{}, l.errorf("invalid number %q", text)
		}
		return token{kind: tokNumber, text: text, val: f, line: l.line}, nil
	}
	lit := text
	if len(lit) > 1 && lit[0] == '0' && isDigit(lit[1]) {
		// Python rejects leading zeros; Go would read them as octal.
		if strings.Trim(lit, "0_") != "" {
			return token{}, l.errorf("invalid number %q", text)
		}
		lit = "0"
	}
	n, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		return token{}, l.errorf("invalid number %q", text)
	}
	return token{kind: tokNumber, text: text, val: int(n), line: l.line}, nil
}

func (l *lexer) str(prefix string) (token, error) {
	raw := strings.Contains(prefix, "r")
	startLine := l.line
	quote := l.src[l.pos : l.pos+1]
	if strings.HasPrefix(l.src[l.pos:], strings.Repeat(quote, 3)) {
		quote = strings.Repeat(quote, 3)
	}
	l.pos += len(quote)

	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("line %d: unterminated string", startLine)
		}
		if strings.HasPrefix(l.src[l.pos:], quote) {
			l.pos += len(quote)
			return token{kind: tokString, val: b.String(), line: startLine}, nil
		}
		c := l.src[l.pos]
		switch {
		case c == '\n':
			if len(quote) == 1 {
				return token{}, fmt.Errorf("line %d: unterminated string", startLine)
			}
			l.line++
			b.WriteByte(c)
			l.pos++
		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, fmt.Errorf("line %d: unterminated string", startLine)
			}
			if raw {
				b.WriteString(l.src[l.pos : l.pos+2])
				l.pos += 2
				continue
			}
			if err := l.escape(&b); err != nil {
				return token{}, err
			}
		default:
			r, size := utf8.DecodeRuneInString(l.src[l.pos:])
			b.WriteRune(r)
			l.pos += size
		}
	}
}

// escape decodes the escape sequence at l.pos, which points at a backslash.
func (l *lexer) escape(b *strings.Builder) error {
	c := l.src[l.pos+1]
	l.pos += 2
	simple := map[byte]string{
		'\\': "\\", '\'': "'", '"': "\"", 'n': "\n", 't': "\t", 'r': "\r",
		'a': "\a", 'b': "\b", 'f': "\f", 'v': "\v", '0': "\x00",
	}
	if s, ok := simple[c]; ok {
		b.WriteString(s)
		return nil
	}
	width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[c]
	switch {
	case c == '\n':
		l.line++
	case width > 0:
		if l.pos+width > len(l.src) {
			return l.errorf("truncated \\%c escape", c)
		}
		n, err := strconv.ParseUint(l.src[l.pos:l.pos+width], 16, 32)
		if err != nil {
			return l.errorf("invalid \\%c escape", c)
		}
		b.WriteRune(rune(n))
		l.pos += width
	default:
		// Unknown escapes are kept verbatim.
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

type pyParser struct {
	lex *lexer
	tok token
}

// parseAssignments evaluates src and returns the assigned names.
func parseAssignments(src string) (map[string]any, error) {
	p := &pyParser{lex: &lexer{src: src, line: 1}}
	if err := p.advance(); err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for {
		for p.tok.kind == tokNewline {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if p.tok.kind == tokEOF {
			return out, nil
		}
		if p.tok.kind != tokName {
			return nil, p.unexpected()
		}
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect("="); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokNewline && p.tok.kind != tokEOF {
			return nil, p.unexpected()
		}
		out[name] = v
	}
}

func (p *pyParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *pyParser) expect(op string) error {
	if p.tok.kind != tokOp || p.tok.text != op {
		return fmt.Errorf("line %d: expected %q", p.tok.line, op)
	}
	return p.advance()
}

func (p *pyParser) isOp(op string) bool {
	return p.tok.kind == tokOp && p.tok.text == op
}

func (p *pyParser) unexpected() error {
	switch p.tok.kind {
	case tokEOF:
		return fmt.Errorf("line %d: unexpected end of file", p.tok.line)
	case tokNewline:
		return fmt.Errorf("line %d: unexpected end of line", p.tok.line)
	case tokString:
		return fmt.Errorf("line %d: unexpected string", p.tok.line)
	}
	return fmt.Errorf("line %d: unexpected %q", p.tok.line, p.tok.text)
}

func (p *pyParser) value() (any, error) {
	tok := p.tok
	switch tok.kind {
	case tokString:
		var b strings.Builder
		for p.tok.kind == tokString {
			b.WriteString(p.tok.val.(string))
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return b.String(), nil
	case tokNumber:
		return tok.val, p.advance()
	case tokName:
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch tok.text {
		case "True":
			return true, nil
		case "False":
			return false, nil
		case "None":
			return nil, nil
		}
		return nil, fmt.Errorf("line %d: unsupported name %q", tok.line, tok.text)
	case tokOp:
		switch tok.text {
		case "-", "+":
			if err := p.advance(); err != nil {
				return nil, err
			}
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			return signed(tok, v)
		case "[":
			return p.sequence("]")
		case "(":
			return p.tuple()
		case "{":
			return p.dict()
		}
	}
	return nil, p.unexpected()
}

func signed(op token, v any) (any, error) {
	neg := op.text == "-"
	switch n := v.(type) {
	case int:
		if neg {
			return -n, nil
		}
		return n, nil
	case float64:
		if neg {
			return -n, nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("line %d: bad operand for unary %s", op.line, op.text)
}

// sequence parses comma separated values up to close. The opening bracket
// is the current token.
func (p *pyParser) sequence(close string) ([]any, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	items := []any{}
	for !p.isOp(close) {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		if p.isOp(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if !p.isOp(close) {
			return nil, p.unexpected()
		}
	}
	return items, p.advance()
}

// tuple parses a parenthesised expression, which is a tuple only when empty
// or when it contains a comma.
func (p *pyParser) tuple() (any, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.isOp(")") {
		return []any{}, p.advance()
	}
	first, err := p.value()
	if err != nil {
		return nil, err
	}
	if p.isOp(")") {
		return first, p.advance()
	}
	if !p.isOp(",") {
		return nil, p.unexpected()
	}
	items := []any{first}
	for p.isOp(",") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isOp(")") {
			break
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *pyParser) dict() (map[string]any, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for !p.isOp("}") {
		line := p.tok.line
		k, err := p.value()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("line %d: dict keys must be strings, got %v", line, k)
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[key] = v
		if p.isOp(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if !p.isOp("}") {
			return nil, p.unexpected()
		}
	}
	return out, p.advance()
}
