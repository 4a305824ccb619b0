package detect

import (
	"fmt"
	"strings"
)

// UndefinedIdentifierError is returned when an expression names a fact the
// facts document does not carry.
type UndefinedIdentifierError struct {
	// Identifier is the missing fact id
	Identifier string
	// Position is the byte offset in the expression where the identifier appears
	Position int
	// AvailableIdentifiers lists the fact ids that were present
	AvailableIdentifiers []string
}

// Error implements the error interface for UndefinedIdentifierError.
func (e *UndefinedIdentifierError) Error() string {
	suggestions := findSimilarIdentifiers(e.Identifier, e.AvailableIdentifiers, 3)
	if len(suggestions) > 0 {
		return fmt.Sprintf("undefined fact '%s' at position %d (did you mean: %s?)",
			e.Identifier, e.Position, strings.Join(suggestions, ", "))
	}
	return fmt.Sprintf("undefined fact '%s' at position %d", e.Identifier, e.Position)
}

// Unwrap returns nil as this error doesn't wrap another error.
func (e *UndefinedIdentifierError) Unwrap() error {
	return nil
}

// Is reports whether target is an UndefinedIdentifierError for the same fact.
func (e *UndefinedIdentifierError) Is(target error) bool {
	t, ok := target.(*UndefinedIdentifierError)
	if !ok {
		return false
	}
	return e.Identifier == t.Identifier
}

// ParseError represents a syntax error in a rule expression.
type ParseError struct {
	// Position is the byte offset in the expression where the error occurred
	Position int
	// Token is the actual token that was encountered
	Token TokenType
	// TokenValue is the string value of the token
	TokenValue string
	// Expected describes what token(s) were expected at this position
	Expected string
	// Context provides additional context about the error
	Context string
}

// Error implements the error interface for ParseError.
func (e *ParseError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("parse error at position %d: expected %s but got %s (%q) - %s",
			e.Position, e.Expected, e.Token, e.TokenValue, e.Context)
	}
	return fmt.Sprintf("parse error at position %d: expected %s but got %s (%q)",
		e.Position, e.Expected, e.Token, e.TokenValue)
}

// Unwrap returns nil as this error doesn't wrap another error.
func (e *ParseError) Unwrap() error {
	return nil
}

// Is reports whether target is a ParseError at the same position.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}
	return e.Position == t.Position
}

// TokenizationError represents invalid input found while tokenizing.
type TokenizationError struct {
	// Position is the byte offset where the invalid character/sequence appears
	Position int
	// InvalidChar is the offending character
	InvalidChar rune
	// Context provides surrounding text for debugging
	Context string
	// Reason overrides the default "invalid character" wording
	Reason string
}

// Error implements the error interface for TokenizationError.
func (e *TokenizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tokenization error at position %d: %s (context: %q)",
			e.Position, e.Reason, e.Context)
	}
	return fmt.Sprintf("tokenization error at position %d: invalid character %q (context: %q)",
		e.Position, e.InvalidChar, e.Context)
}

// Unwrap returns nil as this error doesn't wrap another error.
func (e *TokenizationError) Unwrap() error {
	return nil
}

// Is reports whether target is a TokenizationError at the same position.
func (e *TokenizationError) Is(target error) bool {
	t, ok := target.(*TokenizationError)
	if !ok {
		return false
	}
	return e.Position == t.Position
}

// EvaluationError is returned when operand types do not support an operator,
// e.g. ordering a string against a number or dividing by zero.
type EvaluationError struct {
	Operator string
	Left     interface{}
	Right    interface{}
	Reason   string
}

// Error implements the error interface for EvaluationError.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("cannot evaluate %s with operands %s and %s: %s",
		e.Operator, describeValue(e.Left), describeValue(e.Right), e.Reason)
}

func describeValue(v interface{}) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T(%v)", v, v)
}

// findSimilarIdentifiers returns up to maxResults available ids sharing a
// three-character prefix with target or containing it.
func findSimilarIdentifiers(target string, available []string, maxResults int) []string {
	if len(available) == 0 || target == "" {
		return nil
	}

	var suggestions []string
	seen := make(map[string]bool)
	targetLower := strings.ToLower(target)

	prefixLen := 3
	if len(targetLower) < prefixLen {
		prefixLen = len(targetLower)
	}
	targetPrefix := targetLower[:prefixLen]

	for _, identifier := range available {
		identLower := strings.ToLower(identifier)
		if strings.HasPrefix(identLower, targetPrefix) {
			suggestions = append(suggestions, identifier)
			seen[identifier] = true
			if len(suggestions) >= maxResults {
				return suggestions
			}
		}
	}

	for _, identifier := range available {
		if seen[identifier] {
			continue
		}
		identLower := strings.ToLower(identifier)
		if strings.Contains(identLower, targetLower) || strings.Contains(targetLower, identLower) {
			suggestions = append(suggestions, identifier)
			if len(suggestions) >= maxResults {
				return suggestions
			}
		}
	}

	return suggestions
}
