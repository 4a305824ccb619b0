package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TokenType represents the type of a token in a rule expression.
type TokenType int

const (
	// TokenEOF represents end of input
	TokenEOF TokenType = iota
	// TokenAND represents "and" / "&&"
	TokenAND
	// TokenOR represents "or" / "||"
	TokenOR
	// TokenNOT represents "not" / "!"
	TokenNOT
	// TokenLPAREN represents a left parenthesis
	TokenLPAREN
	// TokenRPAREN represents a right parenthesis
	TokenRPAREN
	// TokenNUMBER represents a numeric literal
	TokenNUMBER
	// TokenSTRING represents a quoted string literal; Value holds the unescaped text
	TokenSTRING
	// TokenTRUE represents true in any letter case
	TokenTRUE
	// TokenFALSE represents false in any letter case
	TokenFALSE
	// TokenNULL represents null/none in any letter case
	TokenNULL
	// TokenIDENTIFIER represents a dotted fact id such as win.pw.min_length
	TokenIDENTIFIER
	TokenEQ
	TokenNEQ
	TokenLT
	TokenLTE
	TokenGT
	TokenGTE
	TokenPLUS
	TokenMINUS
	TokenSTAR
	TokenSLASH
	TokenPERCENT
)

var tokenTypeNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenAND:        "AND",
	TokenOR:         "OR",
	TokenNOT:        "NOT",
	TokenLPAREN:     "LPAREN",
	TokenRPAREN:     "RPAREN",
	TokenNUMBER:     "NUMBER",
	TokenSTRING:     "STRING",
	TokenTRUE:       "TRUE",
	TokenFALSE:      "FALSE",
	TokenNULL:       "NULL",
	TokenIDENTIFIER: "IDENTIFIER",
	TokenEQ:         "==",
	TokenNEQ:        "!=",
	TokenLT:         "<",
	TokenLTE:        "<=",
	TokenGT:         ">",
	TokenGTE:        ">=",
	TokenPLUS:       "+",
	TokenMINUS:      "-",
	TokenSTAR:       "*",
	TokenSLASH:      "/",
	TokenPERCENT:    "%",
}

// String returns the string representation of a token type.
func (tt TokenType) String() string {
	if name, ok := tokenTypeNames[tt]; ok {
		return name
	}
	return "UNKNOWN"
}

// Token represents a single token in a rule expression.
type Token struct {
	// Type is the token type
	Type TokenType
	// Value is the source text, or the unescaped contents for strings
	Value string
	// Position is the byte offset in the original expression where this token starts
	Position int
}

// String returns a string representation of the token for debugging.
func (t Token) String() string {
	return fmt.Sprintf("%s(%q) at pos %d", t.Type, t.Value, t.Position)
}

// tokenPattern represents a regex pattern for matching a specific token type.
type tokenPattern struct {
	Type    TokenType
	Pattern *regexp.Regexp
}

var (
	// operatorPatterns are tried in order; two-character operators come first.
	operatorPatterns = []tokenPattern{
		{TokenEQ, regexp.MustCompile(`^==`)},
		{TokenNEQ, regexp.MustCompile(`^!=`)},
		{TokenLTE, regexp.MustCompile(`^<=`)},
		{TokenGTE, regexp.MustCompile(`^>=`)},
		{TokenAND, regexp.MustCompile(`^&&`)},
		{TokenOR, regexp.MustCompile(`^\|\|`)},
		{TokenLT, regexp.MustCompile(`^<`)},
		{TokenGT, regexp.MustCompile(`^>`)},
		{TokenNOT, regexp.MustCompile(`^!`)},
		{TokenPLUS, regexp.MustCompile(`^\+`)},
		{TokenMINUS, regexp.MustCompile(`^-`)},
		{TokenSTAR, regexp.MustCompile(`^\*`)},
		{TokenSLASH, regexp.MustCompile(`^/`)},
		{TokenPERCENT, regexp.MustCompile(`^%`)},
		{TokenLPAREN, regexp.MustCompile(`^\(`)},
		{TokenRPAREN, regexp.MustCompile(`^\)`)},
	}

	numberPattern     = regexp.MustCompile(`^(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*`)
	whitespacePattern = regexp.MustCompile(`^\s+`)

	// keywords are matched case-insensitively against whole identifiers
	keywords = map[string]TokenType{
		"and":   TokenAND,
		"or":    TokenOR,
		"not":   TokenNOT,
		"true":  TokenTRUE,
		"false": TokenFALSE,
		"null":  TokenNULL,
		"none":  TokenNULL,
	}
)

// IsReservedWord reports whether name is a keyword rather than a fact id.
func IsReservedWord(name string) bool {
	_, ok := keywords[strings.ToLower(name)]
	return ok
}

// Tokenize converts a rule expression into tokens ending with EOF.
// Keywords and boolean/null literals are case-insensitive. String literals use
// single or double quotes with backslash escapes; quoted text is never
// mistaken for identifiers or keywords.
func Tokenize(expression string) ([]Token, error) {
	var tokens []Token
	position := 0

	for position < len(expression) {
		rest := expression[position:]

		if match := whitespacePattern.FindString(rest); match != "" {
			position += len(match)
			continue
		}

		if rest[0] == '"' || rest[0] == '\'' {
			value, length, err := scanString(expression, position)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Type: TokenSTRING, Value: value, Position: position})
			position += length
			continue
		}

		if match := identifierPattern.FindString(rest); match != "" {
			tokenType := TokenIDENTIFIER
			if kw, ok := keywords[strings.ToLower(match)]; ok {
				tokenType = kw
			}
			tokens = append(tokens, Token{Type: tokenType, Value: match, Position: position})
			position += len(match)
			continue
		}

		if match := numberPattern.FindString(rest); match != "" {
			tokens = append(tokens, Token{Type: TokenNUMBER, Value: match, Position: position})
			position += len(match)
			continue
		}

		matched := false
		for _, pattern := range operatorPatterns {
			if match := pattern.Pattern.FindString(rest); match != "" {
				tokens = append(tokens, Token{Type: pattern.Type, Value: match, Position: position})
				position += len(match)
				matched = true
				break
			}
		}

		if !matched {
			return nil, &TokenizationError{
				Position:    position,
				InvalidChar: rune(expression[position]),
				Context:     errorContext(expression, position),
			}
		}
	}

	tokens = append(tokens, Token{Type: TokenEOF, Value: "", Position: position})
	return tokens, nil
}

// scanString reads a quoted literal starting at start and returns its
// unescaped value and the number of source bytes consumed.
func scanString(expression string, start int) (string, int, error) {
	quote := expression[start]
	var sb strings.Builder

	i := start + 1
	for i < len(expression) {
		c := expression[i]
		switch {
		case c == '\\' && i+1 < len(expression):
			next := expression[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				// \\, \", \' and unknown escapes yield the escaped character
				sb.WriteByte(next)
			}
			i += 2
		case c == quote:
			return sb.String(), i - start + 1, nil
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return "", 0, &TokenizationError{
		Position:    start,
		InvalidChar: rune(quote),
		Context:     errorContext(expression, start),
		Reason:      "unterminated string literal",
	}
}

// errorContext extracts up to 20 bytes either side of position.
func errorContext(expression string, position int) string {
	start := position - 20
	if start < 0 {
		start = 0
	}
	end := position + 20
	if end > len(expression) {
		end = len(expression)
	}
	return expression[start:end]
}

// ParseNumber extracts the float value from a TokenNUMBER token.
func ParseNumber(token Token) (float64, error) {
	if token.Type != TokenNUMBER {
		return 0, fmt.Errorf("expected NUMBER token, got %s at position %d", token.Type, token.Position)
	}

	value, err := strconv.ParseFloat(token.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q at position %d: %w", token.Value, token.Position, err)
	}

	return value, nil
}

// ReferencedIdentifiers returns the distinct fact ids named by a token
// stream, in first-seen order.
func ReferencedIdentifiers(tokens []Token) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, tok := range tokens {
		if tok.Type != TokenIDENTIFIER || seen[tok.Value] {
			continue
		}
		seen[tok.Value] = true
		ids = append(ids, tok.Value)
	}
	return ids
}
