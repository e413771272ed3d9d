package expr

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes
const (
	whitespaceCode = iota + 1
	hexCode
	intCode
	stringCode
	equalsCode
	notEqualsCode
	lessEqualCode
	greaterEqualCode
	lessCode
	greaterCode
	colonCode
	openParenCode
	closeParenCode
	openBracketCode
	closeBracketCode
	commaCode
	symbolCode
)

// Token definitions; longer operators are listed before their prefixes so
// that "==" never lexes as "=" "=".
var (
	whitespaceToken   = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	hexToken          = parsly.NewToken(hexCode, "Hex", newHexMatcher())
	intToken          = parsly.NewToken(intCode, "Integer", newIntMatcher())
	stringToken       = parsly.NewToken(stringCode, "String", newStringMatcher())
	equalsToken       = parsly.NewToken(equalsCode, "==", matcher.NewFragment("=="))
	notEqualsToken    = parsly.NewToken(notEqualsCode, "!=", matcher.NewFragment("!="))
	lessEqualToken    = parsly.NewToken(lessEqualCode, "<=", matcher.NewFragment("<="))
	greaterEqualToken = parsly.NewToken(greaterEqualCode, ">=", matcher.NewFragment(">="))
	lessToken         = parsly.NewToken(lessCode, "<", matcher.NewByte('<'))
	greaterToken      = parsly.NewToken(greaterCode, ">", matcher.NewByte('>'))
	colonToken        = parsly.NewToken(colonCode, ":", matcher.NewByte(':'))
	openParenToken    = parsly.NewToken(openParenCode, "(", matcher.NewByte('('))
	closeParenToken   = parsly.NewToken(closeParenCode, ")", matcher.NewByte(')'))
	openBracketToken  = parsly.NewToken(openBracketCode, "[", matcher.NewByte('['))
	closeBracketToken = parsly.NewToken(closeBracketCode, "]", matcher.NewByte(']'))
	commaToken        = parsly.NewToken(commaCode, ",", matcher.NewByte(','))
	symbolToken       = parsly.NewToken(symbolCode, "Symbol", newSymbolMatcher())
)

func newHexMatcher() parsly.Matcher    { return &hexMatcher{} }
func newIntMatcher() parsly.Matcher    { return &intMatcher{} }
func newStringMatcher() parsly.Matcher { return &stringMatcher{} }
func newSymbolMatcher() parsly.Matcher { return &symbolMatcher{} }

// hexMatcher matches 0x prefixed hexadecimal integers
type hexMatcher struct{}

func (m *hexMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize
	if pos+2 >= size || input[pos] != '0' || (input[pos+1] != 'x' && input[pos+1] != 'X') {
		return 0
	}
	matched := 2
	for i := pos + 2; i < size && isHexDigit(input[i]); i++ {
		matched++
	}
	if matched == 2 {
		return 0
	}
	return matched
}

// intMatcher matches decimal integers
type intMatcher struct{}

func (m *intMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize
	matched := 0
	for i := pos; i < size && isDigit(input[i]); i++ {
		matched++
	}
	return matched
}

// stringMatcher matches single or double quoted strings with backslash escapes
type stringMatcher struct{}

func (m *stringMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize
	if pos >= size {
		return 0
	}
	quote := input[pos]
	if quote != '\'' && quote != '"' {
		return 0
	}
	for i := pos + 1; i < size; i++ {
		switch input[i] {
		case '\\':
			i++
		case quote:
			return i - pos + 1
		case '\n':
			return 0
		}
	}
	return 0
}

// symbolMatcher matches tag/role symbol names; besides identifier characters
// they may contain '.', '-' and '/' so that nested tag paths
// (e.g. bsps/arm.console) remain addressable.
type symbolMatcher struct{}

func (m *symbolMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize
	if pos >= size {
		return 0
	}
	if !isLetter(input[pos]) && input[pos] != '_' {
		return 0
	}
	matched := 1
	for i := pos + 1; i < size; i++ {
		c := input[i]
		if isLetter(c) || isDigit(c) || c == '_' || c == '.' || c == '-' || c == '/' {
			matched++
			continue
		}
		break
	}
	return matched
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
