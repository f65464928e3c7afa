package groups

import (
	"fmt"
	"strconv"
	"strings"
)

// Logic is a parsed membership logic string. Memberships are referenced by
// their 1-based position in the group's membership order, combined with AND,
// OR, NOT and parentheses, e.g. "(1 OR 2) AND NOT 3".
type Logic struct {
	root     logicNode
	maxIndex int
}

// ParseLogic parses a logic string. Keywords are case-insensitive.
func ParseLogic(s string) (*Logic, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("logic string is empty")
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}

	l := &Logic{root: root}
	root.visit(func(n logicNode) {
		if idx, ok := n.(indexNode); ok && int(idx) > l.maxIndex {
			l.maxIndex = int(idx)
		}
	})
	return l, nil
}

// MaxIndex returns the highest membership index the expression references.
func (l *Logic) MaxIndex() int {
	return l.maxIndex
}

// Evaluate combines the membership sets. sets[i] holds the entity IDs of
// membership i+1. NOT complements against the universe.
func (l *Logic) Evaluate(sets []map[string]bool, universe map[string]bool) map[string]bool {
	return l.root.eval(sets, universe)
}

type logicNode interface {
	eval(sets []map[string]bool, universe map[string]bool) map[string]bool
	visit(fn func(logicNode))
}

type indexNode int

func (n indexNode) eval(sets []map[string]bool, _ map[string]bool) map[string]bool {
	i := int(n) - 1
	if i < 0 || i >= len(sets) {
		return map[string]bool{}
	}
	return sets[i]
}

func (n indexNode) visit(fn func(logicNode)) { fn(n) }

type andNode struct{ left, right logicNode }

func (n andNode) eval(sets []map[string]bool, universe map[string]bool) map[string]bool {
	left := n.left.eval(sets, universe)
	right := n.right.eval(sets, universe)
	out := make(map[string]bool)
	for id := range left {
		if right[id] {
			out[id] = true
		}
	}
	return out
}

func (n andNode) visit(fn func(logicNode)) {
	fn(n)
	n.left.visit(fn)
	n.right.visit(fn)
}

type orNode struct{ left, right logicNode }

func (n orNode) eval(sets []map[string]bool, universe map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for id := range n.left.eval(sets, universe) {
		out[id] = true
	}
	for id := range n.right.eval(sets, universe) {
		out[id] = true
	}
	return out
}

func (n orNode) visit(fn func(logicNode)) {
	fn(n)
	n.left.visit(fn)
	n.right.visit(fn)
}

type notNode struct{ inner logicNode }

func (n notNode) eval(sets []map[string]bool, universe map[string]bool) map[string]bool {
	inner := n.inner.eval(sets, universe)
	out := make(map[string]bool)
	for id := range universe {
		if !inner[id] {
			out[id] = true
		}
	}
	return out
}

func (n notNode) visit(fn func(logicNode)) {
	fn(n)
	n.inner.visit(fn)
}

func tokenize(s string) ([]string, error) {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		case (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			current.WriteRune(r)
		default:
			return nil, fmt.Errorf("invalid character %q", r)
		}
	}
	flush()

	return tokens, nil
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) parseOr() (logicNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (logicNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (logicNode, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case strings.EqualFold(tok, "not"):
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	case tok == "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	default:
		n, err := strconv.Atoi(tok)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("expected a membership index, got %q", tok)
		}
		return indexNode(n), nil
	}
}
