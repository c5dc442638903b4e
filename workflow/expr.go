package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalCondition evaluates a boolean condition expression. Templates are
// token-substituted by the Resolver before evaluation, so the grammar only
// needs literals: numbers, quoted strings, true/false, comparison operators
// (== != > < >= <=), logical operators (&& || !) and parentheses.
//
// An empty expression evaluates to false. Comparisons are numeric when both
// sides parse as numbers, lexicographic otherwise.
func EvalCondition(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}
	toks, err := scanExpr(expr)
	if err != nil {
		return false, err
	}
	p := &condParser{toks: toks}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.toks) {
		return false, fmt.Errorf("unexpected token %q in condition", p.toks[p.pos].text)
	}
	return truthy(v), nil
}

type condTokenKind int

const (
	condNumber condTokenKind = iota
	condString
	condWord
	condOp
	condLParen
	condRParen
)

type condToken struct {
	kind condTokenKind
	text string
}

func scanExpr(expr string) ([]condToken, error) {
	var toks []condToken
	rs := []rune(expr)
	i := 0
	for i < len(rs) {
		ch := rs[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			toks = append(toks, condToken{condLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, condToken{condRParen, ")"})
			i++
		case ch == '"' || ch == '\'':
			quote := ch
			var sb strings.Builder
			j := i + 1
			for j < len(rs) && rs[j] != quote {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				sb.WriteRune(rs[j])
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string in condition at offset %d", i)
			}
			toks = append(toks, condToken{condString, sb.String()})
			i = j + 1
		case i+1 < len(rs) && isCondOp2(string(rs[i:i+2])):
			toks = append(toks, condToken{condOp, string(rs[i : i+2])})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			toks = append(toks, condToken{condOp, string(ch)})
			i++
		case unicode.IsDigit(ch) || (ch == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1]) && negOK(toks)):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, condToken{condNumber, string(rs[i:j])})
			i = j
		case unicode.IsLetter(ch) || ch == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			toks = append(toks, condToken{condWord, string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in condition at offset %d", string(ch), i)
		}
	}
	return toks, nil
}

func isCondOp2(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

// negOK reports whether '-' starts a negative number rather than trailing
// an operand.
func negOK(toks []condToken) bool {
	if len(toks) == 0 {
		return true
	}
	last := toks[len(toks)-1]
	return last.kind == condOp || last.kind == condLParen
}

type condParser struct {
	toks []condToken
	pos  int
}

func (p *condParser) peek() *condToken {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *condParser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == condOp && t.text == "||"; t = p.peek() {
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *condParser) and() (any, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == condOp && t.text == "&&"; t = p.peek() {
		p.pos++
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *condParser) comparison() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil && t.kind == condOp {
		switch t.text {
		case "==", "!=", ">", "<", ">=", "<=":
			p.pos++
			right, err := p.unary()
			if err != nil {
				return nil, err
			}
			return compare(left, t.text, right), nil
		}
	}
	return left, nil
}

func (p *condParser) unary() (any, error) {
	if t := p.peek(); t != nil && t.kind == condOp && t.text == "!" {
		p.pos++
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.primary()
}

func (p *condParser) primary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	switch t.kind {
	case condNumber:
		p.pos++
		return strconv.ParseFloat(t.text, 64)
	case condString:
		p.pos++
		return t.text, nil
	case condWord:
		p.pos++
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			// Bare words are leftovers from unresolved tokens or typos.
			return nil, fmt.Errorf("unknown identifier %q in condition", t.text)
		}
	case condLParen:
		p.pos++
		v, err := p.or()
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t == nil || t.kind != condRParen {
			return nil, fmt.Errorf("expected closing parenthesis in condition")
		}
		p.pos++
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected token %q in condition", t.text)
	}
}

func compare(left any, op string, right any) bool {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}
	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
