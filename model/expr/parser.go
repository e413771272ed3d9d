package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/viant/parsly"
)

// Keyword codes; keywords lex as symbols and are reclassified by text.
const (
	andCode = iota + symbolCode + 1
	orCode
	notCode
	inCode
)

var keywords = map[string]int{
	"and": andCode,
	"or":  orCode,
	"not": notCode,
	"in":  inCode,
}

// ParseError reports an ill-formed filter expression together with the
// byte offset of the offending token, for CLI diagnostics.
type ParseError struct {
	Expr    string
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Message)
}

// Indicator renders the expression with a caret under the error position.
func (e *ParseError) Indicator() string {
	pos := e.Pos
	if pos > len(e.Expr) {
		pos = len(e.Expr)
	}
	return e.Expr + "\n" + strings.Repeat(" ", pos) + "^"
}

type token struct {
	code  int
	text  string
	pos   int
	value interface{} // decoded constant for hex/int/string tokens
}

// Parse compiles a filter expression into an immutable Expr. All failures,
// including ill-formed embedded regular expressions, surface here; Eval is
// total afterwards.
func Parse(text string) (Expr, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{text: text, tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, p.errorf(p.peek().pos, "unexpected %q", p.peek().text)
	}
	return &root{text: text, node: n}, nil
}

// MustParse is a test/config helper that panics on a malformed expression.
func MustParse(text string) Expr {
	parsed, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return parsed
}

func tokenize(text string) ([]token, error) {
	cursor := parsly.NewCursor("", []byte(text), 0)
	var tokens []token
	for {
		match := cursor.MatchAfterOptional(whitespaceToken,
			hexToken, stringToken,
			equalsToken, notEqualsToken, lessEqualToken, greaterEqualToken,
			lessToken, greaterToken, colonToken,
			openParenToken, closeParenToken, openBracketToken, closeBracketToken, commaToken,
			intToken, symbolToken)
		if match.Code == parsly.EOF {
			return tokens, nil
		}
		if match.Code == parsly.Invalid || match.Code == 0 {
			return nil, &ParseError{Expr: text, Pos: cursor.Pos, Message: "unexpected character"}
		}
		matched := match.Text(cursor)
		tok := token{code: match.Code, text: matched, pos: cursor.Pos - len(matched)}
		switch match.Code {
		case hexCode:
			value, err := strconv.ParseInt(matched, 0, 64)
			if err != nil {
				return nil, &ParseError{Expr: text, Pos: tok.pos, Message: "invalid hex literal " + matched}
			}
			tok.value = value
		case intCode:
			value, err := strconv.ParseInt(matched, 10, 64)
			if err != nil {
				return nil, &ParseError{Expr: text, Pos: tok.pos, Message: "invalid integer literal " + matched}
			}
			tok.value = value
		case stringCode:
			tok.value = unquote(matched)
		case symbolCode:
			if code, ok := keywords[matched]; ok {
				tok.code = code
			}
		}
		tokens = append(tokens, tok)
	}
}

func unquote(text string) string {
	body := text[1 : len(text)-1]
	if !strings.ContainsRune(body, '\\') {
		return body
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
			switch body[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(body[i])
			}
			continue
		}
		b.WriteByte(body[i])
	}
	return b.String()
}

type parser struct {
	text   string
	tokens []token
	pos    int
}

func (p *parser) eof() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.eof() {
		return token{pos: len(p.text)}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) errorf(pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Expr: p.text, Pos: pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().code == orCode {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().code == andCode {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if !p.eof() && p.peek().code == notCode {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.eof() {
		return nil, p.errorf(len(p.text), "unexpected end of expression")
	}
	tok := p.peek()
	switch tok.code {
	case openParenCode:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().code != closeParenCode {
			return nil, p.errorf(p.peek().pos, "expected )")
		}
		p.next()
		return inner, nil
	case stringCode, intCode, hexCode:
		// constant in symbol
		p.next()
		if p.peek().code != inCode {
			return nil, p.errorf(p.peek().pos, "expected 'in' after constant")
		}
		p.next()
		sym := p.peek()
		if sym.code != symbolCode {
			return nil, p.errorf(sym.pos, "expected symbol after 'in'")
		}
		p.next()
		return &inNode{
			left:  &operand{literal: tok.value},
			right: &operand{symbol: sym.text, isSym: true},
		}, nil
	case symbolCode:
		p.next()
		return p.parseSymbolTail(tok)
	}
	return nil, p.errorf(tok.pos, "unexpected %q", tok.text)
}

// parseSymbolTail handles everything that may follow a symbol: comparison,
// regex match, membership, or nothing (bare truthiness test).
func (p *parser) parseSymbolTail(sym token) (node, error) {
	if p.eof() {
		return &existsNode{symbol: sym.text}, nil
	}
	tok := p.peek()
	switch tok.code {
	case equalsCode, notEqualsCode, lessCode, greaterCode, lessEqualCode, greaterEqualCode:
		p.next()
		value := p.peek()
		switch value.code {
		case stringCode, intCode, hexCode:
			p.next()
			return &cmpNode{op: tok.text, symbol: sym.text, value: value.value}, nil
		}
		return nil, p.errorf(value.pos, "expected constant after %q", tok.text)
	case colonCode:
		p.next()
		value := p.peek()
		if value.code != stringCode {
			return nil, p.errorf(value.pos, "expected quoted pattern after ':'")
		}
		p.next()
		pattern, err := regexp.Compile(value.value.(string))
		if err != nil {
			return nil, p.errorf(value.pos, "invalid pattern: %v", err)
		}
		return &matchNode{symbol: sym.text, pattern: pattern}, nil
	case inCode:
		p.next()
		return p.parseMembership(sym)
	}
	return &existsNode{symbol: sym.text}, nil
}

func (p *parser) parseMembership(sym token) (node, error) {
	tok := p.peek()
	switch tok.code {
	case symbolCode:
		p.next()
		return &inNode{
			left:  &operand{symbol: sym.text, isSym: true},
			right: &operand{symbol: tok.text, isSym: true},
		}, nil
	case openBracketCode:
		p.next()
		var list []interface{}
		for {
			value := p.peek()
			switch value.code {
			case stringCode, intCode, hexCode:
				p.next()
				list = append(list, value.value)
			default:
				return nil, p.errorf(value.pos, "expected constant in list")
			}
			sep := p.peek()
			if sep.code == commaCode {
				p.next()
				continue
			}
			if sep.code == closeBracketCode {
				p.next()
				return &inNode{left: &operand{symbol: sym.text, isSym: true}, list: list}, nil
			}
			return nil, p.errorf(sep.pos, "expected , or ]")
		}
	}
	return nil, p.errorf(tok.pos, "expected symbol or list after 'in'")
}
