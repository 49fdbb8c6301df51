package expression

import (
	"fmt"
	"strconv"
)

// Complexity bounds enforced at parse time.
const (
	// MaxNodes is the maximum number of AST nodes in one expression.
	MaxNodes = 256

	// MaxDepth is the maximum nesting depth of one expression.
	MaxDepth = 64
)

// node is an expression AST node.
type node interface {
	eval(ev *evaluation) (any, error)
}

type literalNode struct {
	value any
}

type identNode struct {
	name string
}

type memberNode struct {
	target node
	name   string
}

type indexNode struct {
	target node
	index  node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type callNode struct {
	name string
	args []node
}

// program is a parsed expression ready for repeated evaluation.
// Nesting depth was bounded at parse time, so evaluation recursion is
// bounded by construction.
type program struct {
	root node
}

// parser is a Pratt parser over the expression token stream. It counts
// nodes and tracks depth so hostile inputs fail fast instead of
// exhausting the worker.
type parser struct {
	lexer *lexer
	cur   token
	nodes int
	depth int
}

// binding powers for binary operators
var binaryPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3,
	"!=": 3,
	"<":  4,
	">":  4,
	"<=": 4,
	">=": 4,
	"+":  5,
	"-":  5,
	"*":  6,
	"/":  6,
	"%":  6,
}

// parse compiles an expression source string into a program.
func parse(src string) (*program, error) {
	p := &parser{lexer: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokenEOF {
		return nil, fmt.Errorf("position %d: unexpected %q after expression", p.cur.pos, p.cur.text)
	}
	return &program{root: root}, nil
}

func (p *parser) advance() error {
	tok, err := p.lexer.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) countNode() error {
	p.nodes++
	if p.nodes > MaxNodes {
		return fmt.Errorf("expression exceeds %d nodes", MaxNodes)
	}
	return nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("expression exceeds nesting depth %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) parseExpr(minPrec int) (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.cur.kind == tokenOperator {
		prec, ok := binaryPrecedence[p.cur.text]
		if !ok || prec < minPrec {
			break
		}
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		if err := p.countNode(); err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.cur.kind == tokenOperator && (p.cur.text == "!" || p.cur.text == "-") {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if err := p.countNode(); err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur.kind {
		case tokenDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokenIdent {
				return nil, fmt.Errorf("position %d: expected field name after '.'", p.cur.pos)
			}
			if err := p.countNode(); err != nil {
				return nil, err
			}
			expr = &memberNode{target: expr, name: p.cur.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokenLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			index, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if p.cur.kind != tokenRBracket {
				return nil, fmt.Errorf("position %d: expected ']'", p.cur.pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.countNode(); err != nil {
				return nil, err
			}
			expr = &indexNode{target: expr, index: index}
		default:
			return expr, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	if err := p.countNode(); err != nil {
		return nil, err
	}

	switch p.cur.kind {
	case tokenNumber:
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("position %d: invalid number %q", p.cur.pos, p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: f}, nil

	case tokenString:
		value := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: value}, nil

	case tokenIdent:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch name {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		return &identNode{name: name}, nil

	case tokenFunc:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokenLParen {
			return nil, fmt.Errorf("position %d: expected '(' after %s", p.cur.pos, name)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []node
		for p.cur.kind != tokenRParen {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.kind == tokenComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			if p.cur.kind != tokenRParen {
				return nil, fmt.Errorf("position %d: expected ',' or ')' in %s arguments", p.cur.pos, name)
			}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &callNode{name: name, args: args}, nil

	case tokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokenRParen {
			return nil, fmt.Errorf("position %d: expected ')'", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokenEOF:
		return nil, fmt.Errorf("position %d: unexpected end of expression", p.cur.pos)

	default:
		return nil, fmt.Errorf("position %d: unexpected %q", p.cur.pos, p.cur.text)
	}
}
