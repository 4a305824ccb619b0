package detect

import (
	"fmt"
	"strings"
)

// ExpressionParser is a recursive descent parser for rule expressions.
//
// Grammar, lowest precedence first:
//
//	or_expr    := and_expr ( ("or" | "||") and_expr )*
//	and_expr   := not_expr ( ("and" | "&&") not_expr )*
//	not_expr   := ("not" | "!") not_expr | comparison
//	comparison := additive ( cmp_op additive )*
//	additive   := term ( ("+" | "-") term )*
//	term       := unary ( ("*" | "/" | "%") unary )*
//	unary      := "-" unary | primary
//	primary    := NUMBER | STRING | TRUE | FALSE | NULL | IDENTIFIER | "(" or_expr ")"
//
// Example:
//
//	parser := NewExpressionParser()
//	ast, err := parser.Parse("win.pw.min_length >= 14 and win.pw.complexity")
type ExpressionParser struct {
	tokens   []Token
	position int
}

// NewExpressionParser creates a new parser instance.
func NewExpressionParser() *ExpressionParser {
	return &ExpressionParser{}
}

// Parse tokenizes and parses expression, requiring every token to be consumed.
func (p *ExpressionParser) Parse(expression string) (ExprNode, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("cannot parse empty expression")
	}

	tokens, err := Tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	p.tokens = tokens
	p.position = 0

	ast, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if !p.isAtEnd() {
		current := p.peek()
		return nil, &ParseError{
			Position:   current.Position,
			Token:      current.Type,
			TokenValue: current.Value,
			Expected:   "end of expression",
			Context:    "unexpected tokens remain after parsing complete expression",
		}
	}

	return ast, nil
}

func (p *ExpressionParser) parseOr() (ExprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek().Type == TokenOR {
		orToken := p.consume()
		right, err := p.parseAnd()
		if err != nil {
			return nil, p.missingOperand(orToken, "or", err)
		}
		left = &BinaryOpNode{Operator: OpOR, Left: left, Right: right}
	}

	return left, nil
}

func (p *ExpressionParser) parseAnd() (ExprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.peek().Type == TokenAND {
		andToken := p.consume()
		right, err := p.parseNot()
		if err != nil {
			return nil, p.missingOperand(andToken, "and", err)
		}
		left = &BinaryOpNode{Operator: OpAND, Left: left, Right: right}
	}

	return left, nil
}

func (p *ExpressionParser) parseNot() (ExprNode, error) {
	if p.peek().Type == TokenNOT {
		notToken := p.consume()
		child, err := p.parseNot()
		if err != nil {
			return nil, p.missingOperand(notToken, "not", err)
		}
		return &NotNode{Child: child}, nil
	}
	return p.parseComparison()
}

var comparisonTokens = map[TokenType]CompareOp{
	TokenEQ:  CmpEQ,
	TokenNEQ: CmpNE,
	TokenLT:  CmpLT,
	TokenLTE: CmpLE,
	TokenGT:  CmpGT,
	TokenGTE: CmpGE,
}

func (p *ExpressionParser) parseComparison() (ExprNode, error) {
	first, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	op, isCmp := comparisonTokens[p.peek().Type]
	if !isCmp {
		return first, nil
	}

	node := &ComparisonNode{Operands: []ExprNode{first}}
	for isCmp {
		opToken := p.consume()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, p.missingOperand(opToken, op.String(), err)
		}
		node.Operators = append(node.Operators, op)
		node.Operands = append(node.Operands, right)
		op, isCmp = comparisonTokens[p.peek().Type]
	}
	return node, nil
}

func (p *ExpressionParser) parseAdditive() (ExprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	for {
		var op BinaryOperator
		switch p.peek().Type {
		case TokenPLUS:
			op = OpAdd
		case TokenMINUS:
			op = OpSub
		default:
			return left, nil
		}
		opToken := p.consume()
		right, err := p.parseTerm()
		if err != nil {
			return nil, p.missingOperand(opToken, op.String(), err)
		}
		left = &BinaryOpNode{Operator: op, Left: left, Right: right}
	}
}

func (p *ExpressionParser) parseTerm() (ExprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		var op BinaryOperator
		switch p.peek().Type {
		case TokenSTAR:
			op = OpMul
		case TokenSLASH:
			op = OpDiv
		case TokenPERCENT:
			op = OpMod
		default:
			return left, nil
		}
		opToken := p.consume()
		right, err := p.parseUnary()
		if err != nil {
			return nil, p.missingOperand(opToken, op.String(), err)
		}
		left = &BinaryOpNode{Operator: op, Left: left, Right: right}
	}
}

func (p *ExpressionParser) parseUnary() (ExprNode, error) {
	if p.peek().Type == TokenMINUS {
		minus := p.consume()
		child, err := p.parseUnary()
		if err != nil {
			return nil, p.missingOperand(minus, "-", err)
		}
		return &NegateNode{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *ExpressionParser) parsePrimary() (ExprNode, error) {
	current := p.peek()

	switch current.Type {
	case TokenLPAREN:
		p.consume()
		expr, err := p.parseOr()
		if err != nil {
			return nil, fmt.Errorf("invalid expression inside parentheses starting at position %d: %w",
				current.Position, err)
		}
		closeToken := p.peek()
		if err := p.expect(TokenRPAREN); err != nil {
			return nil, &ParseError{
				Position:   closeToken.Position,
				Token:      closeToken.Type,
				TokenValue: closeToken.Value,
				Expected:   "closing parenthesis ')'",
				Context:    fmt.Sprintf("unmatched opening parenthesis at position %d", current.Position),
			}
		}
		return expr, nil

	case TokenIDENTIFIER:
		tok := p.consume()
		return &IdentifierNode{Name: tok.Value, Position: tok.Position}, nil

	case TokenNUMBER:
		tok := p.consume()
		value, err := ParseNumber(tok)
		if err != nil {
			return nil, err
		}
		return &LiteralNode{Value: value}, nil

	case TokenSTRING:
		tok := p.consume()
		return &LiteralNode{Value: tok.Value}, nil

	case TokenTRUE:
		p.consume()
		return &LiteralNode{Value: true}, nil

	case TokenFALSE:
		p.consume()
		return &LiteralNode{Value: false}, nil

	case TokenNULL:
		p.consume()
		return &LiteralNode{Value: nil}, nil

	case TokenEOF:
		return nil, &ParseError{
			Position: current.Position,
			Token:    TokenEOF,
			Expected: "value or expression",
			Context:  "unexpected end of expression",
		}

	case TokenRPAREN:
		return nil, &ParseError{
			Position:   current.Position,
			Token:      TokenRPAREN,
			TokenValue: current.Value,
			Expected:   "value or expression",
			Context:    "unmatched closing parenthesis",
		}

	default:
		return nil, &ParseError{
			Position:   current.Position,
			Token:      current.Type,
			TokenValue: current.Value,
			Expected:   "value or expression",
			Context:    fmt.Sprintf("operator %q missing left operand", current.Value),
		}
	}
}

// missingOperand reports a dangling operator at end of input, otherwise
// wraps the operand's own error.
func (p *ExpressionParser) missingOperand(opToken Token, name string, err error) error {
	if p.peek().Type == TokenEOF {
		return &ParseError{
			Position:   opToken.Position,
			Token:      opToken.Type,
			TokenValue: opToken.Value,
			Expected:   fmt.Sprintf("expression after %s operator", name),
			Context:    fmt.Sprintf("%s operator missing right operand", name),
		}
	}
	return fmt.Errorf("expected expression after %s at position %d: %w", name, opToken.Position, err)
}

func (p *ExpressionParser) peek() Token {
	if p.position >= len(p.tokens) {
		if len(p.tokens) > 0 {
			return p.tokens[len(p.tokens)-1]
		}
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.position]
}

func (p *ExpressionParser) consume() Token {
	token := p.peek()
	if p.position < len(p.tokens) {
		p.position++
	}
	return token
}

func (p *ExpressionParser) expect(expectedType TokenType) error {
	current := p.peek()
	if current.Type != expectedType {
		return fmt.Errorf("expected %s but got %s at position %d",
			expectedType, current.Type, current.Position)
	}
	p.consume()
	return nil
}

func (p *ExpressionParser) isAtEnd() bool {
	return p.peek().Type == TokenEOF
}

// Expression is a compiled rule expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	Source      string
	Root        ExprNode
	Identifiers []string
}

// Compile parses source into an Expression.
func Compile(source string) (*Expression, error) {
	root, err := NewExpressionParser().Parse(source)
	if err != nil {
		return nil, err
	}
	return &Expression{
		Source:      source,
		Root:        root,
		Identifiers: collectIdentifiers(root, make(map[string]bool), nil),
	}, nil
}

// Eval evaluates the expression and reduces the result to a bool.
func (e *Expression) Eval(facts map[string]interface{}) (bool, error) {
	v, err := e.Root.Evaluate(facts)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// MissingFacts returns referenced fact ids absent from facts.
func (e *Expression) MissingFacts(facts map[string]interface{}) []string {
	return missingFrom(e.Identifiers, facts)
}

func missingFrom(ids []string, facts map[string]interface{}) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := facts[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
