package expr

import (
	"strconv"
	"strings"

	"github.com/r3e-network/formula-engine/internal/expr/ast"
)

// parser implements a recursive-descent parser over the restricted grammar
// described in spec §4.1 / §6. Precedence (low to high): ternary, or, and,
// not, comparison (non-chained), additive, multiplicative, unary, power,
// postfix (call/index), primary.
type parser struct {
	toks []token
	pos  int
	src  string
}

// Parse compiles formula text into an AST. It is the sole syntax-error
// surface — everything downstream assumes a syntactically valid tree.
func Parse(formula string) (ast.Node, error) {
	toks, err := lex(formula)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: formula}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, &SyntaxError{Formula: formula, Pos: p.cur().pos, Msg: "unexpected trailing input"}
	}
	return node, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) isIdent(text string) bool {
	t := p.cur()
	return t.kind == tokIdent && t.text == text
}

func (p *parser) expectIdent(text string) error {
	if !p.isIdent(text) {
		return &SyntaxError{Formula: p.src, Pos: p.cur().pos, Msg: "expected '" + text + "'"}
	}
	p.advance()
	return nil
}

func (p *parser) parseExpr() (ast.Node, error) { return p.parseTernary() }

func (p *parser) parseTernary() (ast.Node, error) {
	thenExpr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.isIdent("if") {
		p.advance()
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectIdent("else"); err != nil {
			return nil, err
		}
		elseExpr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.Ternary{Then: thenExpr, Cond: cond, Else: elseExpr}, nil
	}
	return thenExpr, nil
}

func (p *parser) parseOr() (ast.Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isIdent("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &ast.BoolOp{Op: "or", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (ast.Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isIdent("and") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &ast.BoolOp{Op: "and", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (ast.Node, error) {
	if p.isIdent("not") {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Op: "not", X: x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (ast.Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	op, ok := p.tryCompareOp()
	if !ok {
		return left, nil
	}
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return &ast.CompareOp{Op: op, L: left, R: right}, nil
}

func (p *parser) tryCompareOp() (string, bool) {
	t := p.cur()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.advance()
			return t.text, true
		}
	}
	if t.kind == tokIdent {
		switch t.text {
		case "in":
			p.advance()
			return "in", true
		case "not":
			// lookahead for "not in"
			save := p.pos
			p.advance()
			if p.isIdent("in") {
				p.advance()
				return "not in", true
			}
			p.pos = save
			return "", false
		case "is":
			p.advance()
			if p.isIdent("not") {
				p.advance()
				return "is not", true
			}
			return "is", true
		}
	}
	return "", false
}

func (p *parser) parseAdd() (ast.Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && (p.cur().text == "+" || p.cur().text == "-") {
		op := p.advance().text
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOp{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseMul() (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && (p.cur().text == "*" || p.cur().text == "/" || p.cur().text == "//" || p.cur().text == "%") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOp{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (ast.Node, error) {
	if p.cur().kind == tokOp && (p.cur().text == "-" || p.cur().text == "+") {
		op := p.advance().text
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Op: op, X: x}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (ast.Node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokOp && p.cur().text == "**" {
		p.advance()
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.BinaryOp{Op: "**", L: base, R: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePostfix() (ast.Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().kind {
		case tokLParen:
			id, ok := node.(*ast.Identifier)
			if !ok {
				return nil, &SyntaxError{Formula: p.src, Pos: p.cur().pos, Msg: "call target must be a function name"}
			}
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			node = &ast.Call{Func: id.Name, Args: args}
		case tokLBracket:
			p.advance()
			idx, err := p.parseIndexBody(node)
			if err != nil {
				return nil, err
			}
			node = idx
			if p.cur().kind != tokRBracket {
				return nil, &SyntaxError{Formula: p.src, Pos: p.cur().pos, Msg: "expected ']'"}
			}
			p.advance()
		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]ast.Node, error) {
	var args []ast.Node
	if p.cur().kind == tokRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	if p.cur().kind != tokRParen {
		return nil, &SyntaxError{Formula: p.src, Pos: p.cur().pos, Msg: "expected ')'"}
	}
	p.advance()
	return args, nil
}

func (p *parser) parseIndexBody(x ast.Node) (ast.Node, error) {
	var start, stop ast.Node
	var err error
	if p.cur().kind != tokColon {
		start, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if p.cur().kind == tokColon {
		p.advance()
		if p.cur().kind != tokRBracket {
			stop, err = p.parseExpr()
			if err != nil {
				return nil, err
			}
		}
		return &ast.Index{X: x, Start: start, Stop: stop, IsSlice: true}, nil
	}
	return &ast.Index{X: x, Start: start, IsSlice: false}, nil
}

func (p *parser) parsePrimary() (ast.Node, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.advance()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Formula: p.src, Pos: t.pos, Msg: "invalid number literal"}
		}
		return &ast.NumberLit{Value: n}, nil
	case tokString:
		p.advance()
		return &ast.StringLit{Value: t.text}, nil
	case tokFString:
		p.advance()
		return parseFString(p.src, t)
	case tokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tokRParen {
			return nil, &SyntaxError{Formula: p.src, Pos: p.cur().pos, Msg: "expected ')'"}
		}
		p.advance()
		return inner, nil
	case tokIdent:
		switch t.text {
		case "True":
			p.advance()
			return &ast.BoolLit{Value: true}, nil
		case "False":
			p.advance()
			return &ast.BoolLit{Value: false}, nil
		case "None":
			p.advance()
			return &ast.NoneLit{}, nil
		}
		p.advance()
		return &ast.Identifier{Name: t.text}, nil
	default:
		return nil, &SyntaxError{Formula: p.src, Pos: t.pos, Msg: "unexpected token"}
	}
}

// parseFString splits an f-string's raw text into literal/expression parts
// and recursively parses each embedded expression.
func parseFString(formula string, t token) (ast.Node, error) {
	raw := t.text
	var parts []ast.FStringPart
	var lit strings.Builder
	i := 0
	for i < len(raw) {
		c := raw[i]
		if c == '{' {
			if i+1 < len(raw) && raw[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			if lit.Len() > 0 {
				parts = append(parts, ast.FStringPart{Text: lit.String()})
				lit.Reset()
			}
			depth := 1
			start := i + 1
			j := start
			for j < len(raw) && depth > 0 {
				switch raw[j] {
				case '{':
					depth++
				case '}':
					depth--
					if depth == 0 {
						goto doneScan
					}
				}
				j++
			}
		doneScan:
			if depth != 0 {
				return nil, &SyntaxError{Formula: formula, Pos: t.pos, Msg: "unterminated f-string expression"}
			}
			exprSrc := raw[start:j]
			sub, err := Parse(exprSrc)
			if err != nil {
				return nil, err
			}
			parts = append(parts, ast.FStringPart{Expr: sub})
			i = j + 1
			continue
		}
		if c == '}' && i+1 < len(raw) && raw[i+1] == '}' {
			lit.WriteByte('}')
			i += 2
			continue
		}
		lit.WriteByte(c)
		i++
	}
	if lit.Len() > 0 {
		parts = append(parts, ast.FStringPart{Text: lit.String()})
	}
	return &ast.FStringLit{Parts: parts}, nil
}
