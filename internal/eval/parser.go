package eval

import (
	"strconv"

	"github.com/loomhq/loom/pkg/schema"
)

// AST node types. Boolean nodes evaluate to bool; operand nodes evaluate to
// an arbitrary value that feeds a comparison.
type node interface{}

type orNode struct{ terms []node }
type andNode struct{ terms []node }
type notNode struct{ child node }

type cmpNode struct {
	op    string // >= <= != == > < in contains
	left  node
	right node
}

type litNode struct{ val any }
type identNode struct {
	name        string
	placeholder bool
	frag        string // original fragment for error messages
}
type listNode struct{ elems []node }

// parser is a recursive-descent parser with one level of lookahead.
// Precedence ascending: or, and, not, comparison.
type parser struct {
	toks []token
	pos  int
}

func parse(condition string) (node, error) {
	toks, err := newLexer(condition).lexAll()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, schema.NewErrorf(schema.ErrCodeEval,
			"unexpected trailing input %q in condition", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.peek().kind == tokOr {
		p.advance()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &orNode{terms: terms}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.peek().kind == tokAnd {
		p.advance()
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &andNode{terms: terms}, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.advance()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{child: child}, nil
	}
	return p.parseComparison()
}

// parseComparison parses `operand [cmpOp operand]`. Without a comparison
// operator the bare operand flows up and must itself evaluate to a boolean.
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch t := p.peek(); t.kind {
	case tokOp:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: t.text, left: left, right: right}, nil
	case tokIn:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: "in", left: left, right: right}, nil
	case tokContains:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: "contains", left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	switch t := p.peek(); t.kind {
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"missing closing parenthesis at position %d", p.peek().pos)
		}
		p.advance()
		return inner, nil

	case tokNumber:
		p.advance()
		return numberLit(t.text)

	case tokString:
		p.advance()
		return &litNode{val: t.text}, nil

	case tokPlaceholder:
		p.advance()
		return &identNode{name: t.text, placeholder: true, frag: "{{" + t.text + "}}"}, nil

	case tokIdent:
		p.advance()
		switch t.text {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		case "null", "None":
			return &litNode{val: nil}, nil
		}
		return &identNode{name: t.text, frag: t.text}, nil

	case tokLBracket:
		return p.parseList()

	case tokEOF:
		return nil, schema.NewError(schema.ErrCodeEval, "unexpected end of condition")
	}

	return nil, schema.NewErrorf(schema.ErrCodeEval,
		"unexpected token %q at position %d", p.peek().text, p.peek().pos)
}

func (p *parser) parseList() (node, error) {
	p.advance() // consume [
	var elems []node
	if p.peek().kind == tokRBracket {
		p.advance()
		return &listNode{}, nil
	}
	for {
		el, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		elems = append(elems, el)
		switch p.peek().kind {
		case tokComma:
			p.advance()
		case tokRBracket:
			p.advance()
			return &listNode{elems: elems}, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"expected ',' or ']' in list literal at position %d", p.peek().pos)
		}
	}
}

// numberLit parses a numeric literal: no decimal point means integer.
func numberLit(text string) (node, error) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &litNode{val: i}, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEval, "invalid number literal %q", text)
	}
	return &litNode{val: f}, nil
}
