package eval

import (
	"strings"
	"unicode"

	"github.com/loomhq/loom/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent       // bare identifier, or keyword true/false/null
	tokPlaceholder // {{name}}
	tokOp          // >= <= != == > <
	tokAnd
	tokOr
	tokNot
	tokIn
	tokContains
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer splits a condition string into tokens. The grammar is deliberately
// restricted: only literals, identifiers, {{name}} placeholders, comparison
// operators, boolean connectives, parentheses, and list brackets are legal.
type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) lexAll() ([]token, error) {
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBracket, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBracket, text: "]", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil

	case c == '\'' || c == '"':
		return l.lexString(c)

	case c == '{' && strings.HasPrefix(l.input[l.pos:], "{{"):
		return l.lexPlaceholder()

	case strings.HasPrefix(l.input[l.pos:], ">="),
		strings.HasPrefix(l.input[l.pos:], "<="),
		strings.HasPrefix(l.input[l.pos:], "!="),
		strings.HasPrefix(l.input[l.pos:], "=="):
		l.pos += 2
		return token{kind: tokOp, text: l.input[start : start+2], pos: start}, nil

	case c == '>' || c == '<':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start}, nil

	case c >= '0' && c <= '9':
		return l.lexNumber()

	case c == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		return l.lexNumber()

	case isIdentStart(rune(c)):
		return l.lexIdent()
	}

	return token{}, schema.NewErrorf(schema.ErrCodeEval,
		"unexpected character %q at position %d", string(c), l.pos)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
}

// lexString consumes a quoted string with backslash escapes for the quote
// character and backslash itself.
func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			nxt := l.input[l.pos+1]
			if nxt == quote || nxt == '\\' {
				sb.WriteByte(nxt)
				l.pos += 2
				continue
			}
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, schema.NewErrorf(schema.ErrCodeEval,
		"unterminated string starting at position %d", start)
}

func (l *lexer) lexPlaceholder() (token, error) {
	start := l.pos
	end := strings.Index(l.input[l.pos:], "}}")
	if end == -1 {
		return token{}, schema.NewErrorf(schema.ErrCodeEval,
			"unclosed {{ placeholder at position %d", start)
	}
	name := strings.TrimSpace(l.input[l.pos+2 : l.pos+end])
	if name == "" {
		return token{}, schema.NewErrorf(schema.ErrCodeEval,
			"empty {{ }} placeholder at position %d", start)
	}
	l.pos += end + 2
	return token{kind: tokPlaceholder, text: name, pos: start}, nil
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	seenDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	word := l.input[start:l.pos]

	switch word {
	case "and":
		return token{kind: tokAnd, text: word, pos: start}, nil
	case "or":
		return token{kind: tokOr, text: word, pos: start}, nil
	case "not":
		return token{kind: tokNot, text: word, pos: start}, nil
	case "in":
		return token{kind: tokIn, text: word, pos: start}, nil
	case "contains":
		return token{kind: tokContains, text: word, pos: start}, nil
	}
	return token{kind: tokIdent, text: word, pos: start}, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
