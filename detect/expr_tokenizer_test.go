package detect

import (
	"errors"
	"testing"
)

func TestTokenize_TokenTypes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []TokenType
	}{
		{
			name:     "single identifier",
			input:    "win.pw.complexity",
			expected: []TokenType{TokenIDENTIFIER, TokenEOF},
		},
		{
			name:     "comparison with number",
			input:    "win.pw.min_length >= 14",
			expected: []TokenType{TokenIDENTIFIER, TokenGTE, TokenNUMBER, TokenEOF},
		},
		{
			name:     "symbolic boolean operators",
			input:    "!a && b || c",
			expected: []TokenType{TokenNOT, TokenIDENTIFIER, TokenAND, TokenIDENTIFIER, TokenOR, TokenIDENTIFIER, TokenEOF},
		},
		{
			name:     "word operators any case",
			input:    "a AND NOT b Or c",
			expected: []TokenType{TokenIDENTIFIER, TokenAND, TokenNOT, TokenIDENTIFIER, TokenOR, TokenIDENTIFIER, TokenEOF},
		},
		{
			name:     "literals any case",
			input:    "TRUE False null None",
			expected: []TokenType{TokenTRUE, TokenFALSE, TokenNULL, TokenNULL, TokenEOF},
		},
		{
			name:     "arithmetic",
			input:    "(a + 2) * b - c / 4 % 3",
			expected: []TokenType{TokenLPAREN, TokenIDENTIFIER, TokenPLUS, TokenNUMBER, TokenRPAREN, TokenSTAR, TokenIDENTIFIER, TokenMINUS, TokenIDENTIFIER, TokenSLASH, TokenNUMBER, TokenPERCENT, TokenNUMBER, TokenEOF},
		},
		{
			name:     "all comparisons",
			input:    "a == b != c < d <= e > f",
			expected: []TokenType{TokenIDENTIFIER, TokenEQ, TokenIDENTIFIER, TokenNEQ, TokenIDENTIFIER, TokenLT, TokenIDENTIFIER, TokenLTE, TokenIDENTIFIER, TokenGT, TokenIDENTIFIER, TokenEOF},
		},
		{
			name:     "identifier beginning with keyword",
			input:    "android.enabled or notify.level",
			expected: []TokenType{TokenIDENTIFIER, TokenOR, TokenIDENTIFIER, TokenEOF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := Tokenize(tt.input)
			if err != nil {
				t.Fatalf("Tokenize(%q) error = %v", tt.input, err)
			}
			if len(tokens) != len(tt.expected) {
				t.Fatalf("Tokenize(%q) got %d tokens, expected %d: %v", tt.input, len(tokens), len(tt.expected), tokens)
			}
			for i, expectedType := range tt.expected {
				if tokens[i].Type != expectedType {
					t.Errorf("token %d: got type %s, expected %s", i, tokens[i].Type, expectedType)
				}
			}
		})
	}
}

func TestTokenize_StringLiterals(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`"Domain"`, "Domain"},
		{`'Private'`, "Private"},
		{`"say \"and\" or not"`, `say "and" or not`},
		{`'it\'s'`, "it's"},
		{`"tab\there"`, "tab\there"},
		{`"C:\\Windows"`, `C:\Windows`},
		{`""`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tokens, err := Tokenize(tt.input)
			if err != nil {
				t.Fatalf("Tokenize(%q) error = %v", tt.input, err)
			}
			if len(tokens) != 2 || tokens[0].Type != TokenSTRING {
				t.Fatalf("expected a single STRING token, got %v", tokens)
			}
			if tokens[0].Value != tt.expected {
				t.Errorf("got %q, expected %q", tokens[0].Value, tt.expected)
			}
		})
	}
}

func TestTokenize_QuotedKeywordsAreNotIdentifiers(t *testing.T) {
	tokens, err := Tokenize(`win.fw.profile == "true and missing.fact"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := ReferencedIdentifiers(tokens)
	if len(ids) != 1 || ids[0] != "win.fw.profile" {
		t.Errorf("expected only win.fw.profile, got %v", ids)
	}
}

func TestTokenize_Positions(t *testing.T) {
	tokens, err := Tokenize("a  >=  10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantPositions := []int{0, 3, 7, 9}
	for i, pos := range wantPositions {
		if tokens[i].Position != pos {
			t.Errorf("token %d: position %d, expected %d", i, tokens[i].Position, pos)
		}
	}
}

func TestTokenize_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		position int
	}{
		{"invalid character", "a == $b", 5},
		{"attribute call syntax", "a.__class__[0]", 11},
		{"unterminated string", `a == "open`, 5},
		{"single equals", "a = 1", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Tokenize(tt.input)
			if err == nil {
				t.Fatalf("expected error for %q", tt.input)
			}
			var tokErr *TokenizationError
			if !errors.As(err, &tokErr) {
				t.Fatalf("expected TokenizationError, got %T", err)
			}
			if tokErr.Position != tt.position {
				t.Errorf("position %d, expected %d", tokErr.Position, tt.position)
			}
		})
	}
}
