package expression

import (
	"fmt"
	"strings"
	"unicode"
)

// tokenKind classifies lexer output.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenFunc // $name
	tokenNumber
	tokenString
	tokenOperator
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenComma
	tokenDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer produces tokens from an expression source string.
type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

// next returns the next token, skipping whitespace.
func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokenLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokenRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokenLBracket, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokenRBracket, text: "]", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokenComma, text: ",", pos: start}, nil
	case c == '.':
		// A dot starting a digit is a number literal like ".5".
		if l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			return l.lexNumber()
		}
		l.pos++
		return token{kind: tokenDot, text: ".", pos: start}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case isDigit(c):
		return l.lexNumber()
	case c == '$':
		l.pos++
		name := l.lexIdentTail()
		if name == "" {
			return token{}, fmt.Errorf("position %d: '$' must be followed by a function name", start)
		}
		return token{kind: tokenFunc, text: "$" + name, pos: start}, nil
	case isIdentStart(rune(c)):
		name := l.lexIdentTail()
		return token{kind: tokenIdent, text: name, pos: start}, nil
	}

	// Multi-character operators first.
	for _, op := range []string{"==", "!=", ">=", "<=", "&&", "||"} {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += 2
			return token{kind: tokenOperator, text: op, pos: start}, nil
		}
	}
	if strings.ContainsRune("+-*/%<>!", rune(c)) {
		l.pos++
		return token{kind: tokenOperator, text: string(c), pos: start}, nil
	}

	return token{}, fmt.Errorf("position %d: unexpected character %q", start, string(c))
}

func (l *lexer) lexIdentTail() string {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}
	return l.src[start:l.pos]
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isDigit(c) {
			l.pos++
			continue
		}
		if c == '.' && !seenDot && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	return token{kind: tokenNumber, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '"', '\'':
				sb.WriteByte(next)
			default:
				sb.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("position %d: unterminated string literal", start)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
