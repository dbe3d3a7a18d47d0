package streamexpr

// Parser builds a Program from a token stream.
type Parser struct {
	lex *Lexer
	cur Token
	err error
}

// Parse compiles src into a Program. Called once per Field at config
// load time; the result is reused for every subsequent message (handler)
// or tick (reducer) so no source text is ever re-lexed at runtime.
func Parse(src string) (*Program, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.Kind == TokEOF {
		return nil, newParseError(0, ErrEmptyExpression, "empty expression")
	}

	var stmts []Node
	for {
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		if p.cur.Kind == TokSemi {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.Kind == TokEOF {
				break
			}
			continue
		}
		break
	}
	if p.cur.Kind != TokEOF {
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "unexpected trailing token %q", p.cur.Lit)
	}
	return &Program{Stmts: stmts}, nil
}

func (p *Parser) advance() error {
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *Parser) expect(kind TokenKind) error {
	if p.cur.Kind != kind {
		return newParseError(p.cur.Pos, ErrUnexpectedToken, "unexpected token %q", p.cur.Lit)
	}
	return p.advance()
}

func (p *Parser) parseStmt() (Node, error) {
	lhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != TokAssign {
		return lhs, nil
	}
	switch lhs.(type) {
	case *Ident, *FieldAccess, *Index:
	default:
		return nil, newParseError(p.cur.Pos, ErrInvalidAssignTarget, "left side of '=' must be a name, field, or index expression")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	rhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &Assign{Target: lhs, Value: rhs}, nil
}

func (p *Parser) parseExpr() (Node, error) { return p.parseAdditive() }

func (p *Parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokPlus || p.cur.Kind == TokMinus {
		op := p.cur.Kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokStar || p.cur.Kind == TokSlash {
		op := p.cur.Kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	if p.cur.Kind == TokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: TokMinus, X: x}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.Kind {
		case TokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.Kind != TokIdent {
				return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "expected field name after '.'")
			}
			name := p.cur.Lit
			if err := p.advance(); err != nil {
				return nil, err
			}
			n = &FieldAccess{Recv: n, Name: name}
		case TokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(TokRBracket); err != nil {
				return nil, err
			}
			n = &Index{Recv: n, Idx: idx}
		default:
			return n, nil
		}
	}
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.cur
	switch tok.Kind {
	case TokNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &NumberLit{Value: tok.Num}, nil
	case TokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &StringLit{Value: tok.Lit}, nil
	case TokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind == TokLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &Call{Name: tok.Lit, Args: args}, nil
		}
		return &Ident{Name: tok.Lit}, nil
	case TokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.Kind != TokRParen {
			return nil, newParseError(p.cur.Pos, ErrUnmatchedParen, "expected ')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return e, nil
	case TokLBracket:
		return p.parseList()
	case TokLBrace:
		return p.parseDict()
	case TokEOF:
		return nil, newParseError(tok.Pos, ErrUnexpectedEOF, "unexpected end of expression")
	}
	return nil, newParseError(tok.Pos, ErrUnexpectedToken, "unexpected token %q", tok.Lit)
}

func (p *Parser) parseArgs() ([]Node, error) {
	if err := p.advance(); err != nil { // consume '('
		return nil, err
	}
	var args []Node
	if p.cur.Kind == TokRParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.cur.Kind != TokRParen {
		return nil, newParseError(p.cur.Pos, ErrUnmatchedParen, "expected ')' after arguments")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parseList() (Node, error) {
	if err := p.advance(); err != nil { // consume '['
		return nil, err
	}
	var elems []Node
	if p.cur.Kind == TokRBracket {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &ListLit{Elems: elems}, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.cur.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expect(TokRBracket); err != nil {
		return nil, err
	}
	return &ListLit{Elems: elems}, nil
}

func (p *Parser) parseDict() (Node, error) {
	if err := p.advance(); err != nil { // consume '{'
		return nil, err
	}
	var keys []string
	var vals []Node
	if p.cur.Kind == TokRBrace {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &DictLit{}, nil
	}
	for {
		var key string
		switch p.cur.Kind {
		case TokIdent:
			key = p.cur.Lit
		case TokString:
			key = p.cur.Lit
		default:
			return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "expected dict key")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(TokColon); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		vals = append(vals, val)
		if p.cur.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expect(TokRBrace); err != nil {
		return nil, err
	}
	return &DictLit{Keys: keys, Vals: vals}, nil
}
