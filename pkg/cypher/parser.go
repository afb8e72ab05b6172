package cypher

import (
	"fmt"
	"strings"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// ParseError reports a token the grammar does not allow at its position.
// The parser stops at the first error.
type ParseError struct {
	Position int
	Expected string
	Found    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: expected %s, found %s", e.Position, e.Expected, e.Found)
}

type parser struct {
	src  string
	toks []Token
	pos  int
}

// Parse lexes and parses a query. Lexical problems are returned as
// *SyntaxError, grammar problems as *ParseError.
func Parse(src string) (*Query, error) {
	toks, err := Lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	return p.parseQuery()
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if t.Kind != TokEOF {
		p.pos++
	}
	return t
}

func (p *parser) fail(expected string) error {
	t := p.peek()
	return &ParseError{Position: t.Pos, Expected: expected, Found: t.String()}
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.Kind == TokKeyword && t.Text == kw
}

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.Kind == TokPunct && t.Text == s
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) acceptPunct(s string) bool {
	if p.isPunct(s) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.fail(kw)
	}
	return nil
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return p.fail("'" + s + "'")
	}
	return nil
}

func (p *parser) expectIdent(what string) (string, error) {
	t := p.peek()
	if t.Kind != TokIdent {
		return "", p.fail(what)
	}
	p.advance()
	return t.Text, nil
}

// expectName accepts an identifier or a keyword used as a label, type,
// property or map key name.
func (p *parser) expectName(what string) (string, error) {
	t := p.peek()
	switch t.Kind {
	case TokIdent:
		p.advance()
		return t.Text, nil
	case TokKeyword:
		p.advance()
		return t.Raw, nil
	}
	return "", p.fail(what)
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{Text: p.src}
	for {
		t := p.peek()
		if t.Kind == TokEOF {
			break
		}
		if p.acceptPunct(";") {
			if p.peek().Kind != TokEOF {
				return nil, p.fail("end of input")
			}
			break
		}
		c, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		q.Clauses = append(q.Clauses, c)
	}
	if len(q.Clauses) == 0 {
		return nil, p.fail("MATCH, CREATE or RETURN")
	}
	return q, nil
}

func (p *parser) parseClause() (Clause, error) {
	t := p.peek()
	if t.Kind != TokKeyword {
		return nil, p.fail("MATCH, CREATE, SET, REMOVE, DELETE or RETURN")
	}
	switch t.Text {
	case "MATCH":
		p.advance()
		patterns, err := p.parsePatternList()
		if err != nil {
			return nil, err
		}
		mc := &MatchClause{Patterns: patterns, Pos: t.Pos}
		if p.acceptKeyword("WHERE") {
			if mc.Where, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		return mc, nil
	case "CREATE":
		p.advance()
		patterns, err := p.parsePatternList()
		if err != nil {
			return nil, err
		}
		return &CreateClause{Patterns: patterns, Pos: t.Pos}, nil
	case "SET":
		p.advance()
		return p.parseSet(t.Pos)
	case "REMOVE":
		p.advance()
		return p.parseRemove(t.Pos)
	case "DETACH":
		p.advance()
		if err := p.expectKeyword("DELETE"); err != nil {
			return nil, err
		}
		return p.parseDelete(t.Pos, true)
	case "DELETE":
		p.advance()
		return p.parseDelete(t.Pos, false)
	case "RETURN":
		p.advance()
		return p.parseReturn(t.Pos)
	}
	return nil, p.fail("MATCH, CREATE, SET, REMOVE, DELETE or RETURN")
}

// ---------------------------------------------------------------------------
// Patterns
// ---------------------------------------------------------------------------

func (p *parser) parsePatternList() ([]*Pattern, error) {
	var out []*Pattern
	for {
		pat, err := p.parsePattern()
		if err != nil {
			return nil, err
		}
		out = append(out, pat)
		if !p.acceptPunct(",") {
			return out, nil
		}
	}
}

func (p *parser) parsePattern() (*Pattern, error) {
	n, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	pat := &Pattern{Nodes: []*NodePattern{n}}
	for p.isPunct("-") || p.isPunct("<") {
		rel, err := p.parseRelPattern()
		if err != nil {
			return nil, err
		}
		n, err := p.parseNodePattern()
		if err != nil {
			return nil, err
		}
		pat.Rels = append(pat.Rels, rel)
		pat.Nodes = append(pat.Nodes, n)
	}
	return pat, nil
}

func (p *parser) parseNodePattern() (*NodePattern, error) {
	start := p.peek()
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	n := &NodePattern{Pos: start.Pos}
	if p.peek().Kind == TokIdent {
		n.Var = p.advance().Text
	}
	if p.acceptPunct(":") {
		typ, err := p.expectName("label")
		if err != nil {
			return nil, err
		}
		n.Type = typ
	}
	if p.isPunct("{") {
		m, err := p.parseMapLiteral()
		if err != nil {
			return nil, err
		}
		n.Props = m
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) parseRelPattern() (*RelPattern, error) {
	start := p.peek()
	rel := &RelPattern{Pos: start.Pos, MinHops: 1, MaxHops: 1}
	left := p.acceptPunct("<")
	if err := p.expectPunct("-"); err != nil {
		return nil, err
	}

	if p.acceptPunct("[") {
		if p.peek().Kind == TokIdent {
			rel.Var = p.advance().Text
		}
		if p.acceptPunct(":") {
			for {
				typ, err := p.expectName("relationship type")
				if err != nil {
					return nil, err
				}
				rel.Types = append(rel.Types, typ)
				if !p.acceptPunct("|") {
					break
				}
				p.acceptPunct(":")
			}
		}
		if p.acceptPunct("*") {
			if err := p.parseVarLength(rel); err != nil {
				return nil, err
			}
		}
		if p.isPunct("{") {
			m, err := p.parseMapLiteral()
			if err != nil {
				return nil, err
			}
			rel.Props = m
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
	}

	if err := p.expectPunct("-"); err != nil {
		return nil, err
	}
	right := p.acceptPunct(">")
	switch {
	case left && right:
		return nil, &ParseError{Position: start.Pos, Expected: "a single relationship direction", Found: "<-...->"}
	case left:
		rel.Dir = model.DirIncoming
	case right:
		rel.Dir = model.DirOutgoing
	default:
		rel.Dir = model.DirBoth
	}
	return rel, nil
}

// parseVarLength reads the range after '*': "", "n", "n..", "..m", "n..m".
func (p *parser) parseVarLength(rel *RelPattern) error {
	rel.VarLength = true
	rel.MinHops, rel.MaxHops = 1, -1
	readInt := func() (int, bool, error) {
		t := p.peek()
		if t.Kind != TokInt {
			return 0, false, nil
		}
		p.advance()
		n := t.Value.(int64)
		if n < 0 || n > 1<<20 {
			return 0, false, &ParseError{Position: t.Pos, Expected: "a hop count", Found: t.String()}
		}
		return int(n), true, nil
	}

	lo, hasLo, err := readInt()
	if err != nil {
		return err
	}
	if p.acceptPunct("..") {
		hi, hasHi, err := readInt()
		if err != nil {
			return err
		}
		if hasLo {
			rel.MinHops = lo
		}
		if hasHi {
			rel.MaxHops = hi
		}
	} else if hasLo {
		rel.MinHops, rel.MaxHops = lo, lo
	}
	if rel.MaxHops >= 0 && rel.MaxHops < rel.MinHops {
		return &ParseError{Position: rel.Pos, Expected: "a hop range with min <= max",
			Found: fmt.Sprintf("%d..%d", rel.MinHops, rel.MaxHops)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Updating clauses
// ---------------------------------------------------------------------------

func (p *parser) parseSet(pos int) (*SetClause, error) {
	sc := &SetClause{Pos: pos}
	for {
		v, err := p.expectIdent("variable")
		if err != nil {
			return nil, err
		}
		item := SetItem{Var: v}
		switch {
		case p.acceptPunct("."):
			if item.Property, err = p.expectName("property name"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("="); err != nil {
				return nil, err
			}
			item.Op = SetProperty
		case p.acceptPunct("+="):
			item.Op = SetMerge
		case p.acceptPunct("="):
			item.Op = SetReplace
		default:
			return nil, p.fail("'.', '=' or '+='")
		}
		if item.Value, err = p.parseExpr(); err != nil {
			return nil, err
		}
		sc.Items = append(sc.Items, item)
		if !p.acceptPunct(",") {
			return sc, nil
		}
	}
}

func (p *parser) parseRemove(pos int) (*RemoveClause, error) {
	rc := &RemoveClause{Pos: pos}
	for {
		v, err := p.expectIdent("variable")
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("."); err != nil {
			return nil, err
		}
		prop, err := p.expectName("property name")
		if err != nil {
			return nil, err
		}
		rc.Items = append(rc.Items, PropertyRef{Var: v, Property: prop})
		if !p.acceptPunct(",") {
			return rc, nil
		}
	}
}

func (p *parser) parseDelete(pos int, detach bool) (*DeleteClause, error) {
	dc := &DeleteClause{Pos: pos, Detach: detach}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dc.Exprs = append(dc.Exprs, e)
		if !p.acceptPunct(",") {
			return dc, nil
		}
	}
}

// ---------------------------------------------------------------------------
// RETURN
// ---------------------------------------------------------------------------

func (p *parser) parseReturn(pos int) (*ReturnClause, error) {
	rc := &ReturnClause{Pos: pos, Distinct: p.acceptKeyword("DISTINCT")}
	for {
		start := p.peek().Pos
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		item := ReturnItem{Expr: e, Text: p.textSince(start)}
		if p.acceptKeyword("AS") {
			if item.Alias, err = p.expectIdent("alias"); err != nil {
				return nil, err
			}
		}
		rc.Items = append(rc.Items, item)
		if !p.acceptPunct(",") {
			break
		}
	}

	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SortItem{Expr: e}
			switch {
			case p.acceptKeyword("DESC"), p.acceptKeyword("DESCENDING"):
				item.Desc = true
			case p.acceptKeyword("ASC"), p.acceptKeyword("ASCENDING"):
			}
			rc.OrderBy = append(rc.OrderBy, item)
			if !p.acceptPunct(",") {
				break
			}
		}
	}
	var err error
	if p.acceptKeyword("SKIP") {
		if rc.Skip, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("LIMIT") {
		if rc.Limit, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if t := p.peek(); t.Kind != TokEOF && !p.isPunct(";") {
		return nil, p.fail("end of query after RETURN")
	}
	return rc, nil
}

// textSince returns the trimmed source text from start up to the current
// token.
func (p *parser) textSince(start int) string {
	end := p.peek().Pos
	if p.peek().Kind == TokEOF {
		end = len(p.src)
	}
	return strings.TrimSpace(p.src[start:end])
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	l, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		r, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		l = &BinaryExpr{Op: OpOr, L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseXor() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("XOR") {
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &BinaryExpr{Op: OpXor, L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = &BinaryExpr{Op: OpAnd, L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.acceptKeyword("NOT") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: OpNot, X: x}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]Op{
	"=": OpEq, "<>": OpNeq, "!=": OpNeq, "<": OpLt, "<=": OpLte, ">": OpGt, ">=": OpGte,
}

func (p *parser) parseComparison() (Expr, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op Op
		switch {
		case t.Kind == TokPunct && comparisonOps[t.Text] != "":
			p.advance()
			op = comparisonOps[t.Text]
		case p.acceptKeyword("IS"):
			not := p.acceptKeyword("NOT")
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			l = &IsNullExpr{X: l, Not: not}
			continue
		case p.acceptKeyword("IN"):
			op = OpIn
		case p.acceptKeyword("CONTAINS"):
			op = OpContains
		case p.acceptKeyword("STARTS"):
			if err := p.expectKeyword("WITH"); err != nil {
				return nil, err
			}
			op = OpStartsWith
		case p.acceptKeyword("ENDS"):
			if err := p.expectKeyword("WITH"); err != nil {
				return nil, err
			}
			op = OpEndsWith
		default:
			return l, nil
		}
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		l = &BinaryExpr{Op: op, L: l, R: r}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op Op
		switch {
		case p.acceptPunct("+"):
			op = OpAdd
		case p.isPunct("-") && !p.relationshipAhead():
			p.advance()
			op = OpSub
		default:
			return l, nil
		}
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = &BinaryExpr{Op: op, L: l, R: r}
	}
}

// relationshipAhead reports whether a '-' starts a relationship pattern
// rather than a subtraction, as in "(a)-[r]->(b)" or "(a)--(b)".
func (p *parser) relationshipAhead() bool {
	next := p.peekAt(1)
	return next.Kind == TokPunct && (next.Text == "[" || next.Text == "-")
}

func (p *parser) parseMultiplicative() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op Op
		switch {
		case p.acceptPunct("*"):
			op = OpMul
		case p.acceptPunct("/"):
			op = OpDiv
		case p.acceptPunct("%"):
			op = OpMod
		default:
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &BinaryExpr{Op: op, L: l, R: r}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	switch {
	case p.acceptPunct("-"):
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		// Fold negative literals so -9223372036854775808 style values and
		// plan output stay readable.
		if lit, ok := x.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &UnaryExpr{Op: OpNeg, X: x}, nil
	case p.acceptPunct("+"):
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: OpPos, X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptPunct("."):
			name, err := p.expectName("property name")
			if err != nil {
				return nil, err
			}
			x = &PropertyAccess{Subject: x, Property: name}
		case p.isPunct("["):
			p.advance()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			x = &IndexAccess{Subject: x, Index: idx}
		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.Kind {
	case TokString, TokInt, TokFloat:
		p.advance()
		return &Literal{Value: t.Value}, nil
	case TokParam:
		p.advance()
		return &Parameter{Name: t.Text}, nil
	case TokKeyword:
		switch t.Text {
		case "TRUE":
			p.advance()
			return &Literal{Value: true}, nil
		case "FALSE":
			p.advance()
			return &Literal{Value: false}, nil
		case "NULL":
			p.advance()
			return &Literal{Value: nil}, nil
		}
	case TokIdent:
		p.advance()
		if p.isPunct("(") {
			return p.parseCall(t.Text)
		}
		return &Variable{Name: t.Text}, nil
	case TokPunct:
		switch t.Text {
		case "(":
			p.advance()
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return x, nil
		case "[":
			p.advance()
			list := &ListLiteral{}
			if p.acceptPunct("]") {
				return list, nil
			}
			for {
				x, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				list.Items = append(list.Items, x)
				if p.acceptPunct("]") {
					return list, nil
				}
				if err := p.expectPunct(","); err != nil {
					return nil, err
				}
			}
		case "{":
			return p.parseMapLiteral()
		}
	}
	return nil, p.fail("expression")
}

func (p *parser) parseCall(name string) (Expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	call := &FuncCall{Name: strings.ToLower(name)}
	if p.acceptPunct("*") {
		call.Star = true
		return call, p.expectPunct(")")
	}
	call.Distinct = p.acceptKeyword("DISTINCT")
	if p.acceptPunct(")") {
		return call, nil
	}
	for {
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, x)
		if p.acceptPunct(")") {
			return call, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseMapLiteral() (*MapLiteral, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	m := &MapLiteral{}
	if p.acceptPunct("}") {
		return m, nil
	}
	seen := make(map[string]struct{})
	for {
		keyTok := p.peek()
		key, err := p.expectName("map key")
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, &ParseError{Position: keyTok.Pos, Expected: "a distinct map key", Found: fmt.Sprintf("duplicate %q", key)}
		}
		seen[key] = struct{}{}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, v)
		if p.acceptPunct("}") {
			return m, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}
