package expr

import "context"

// Resolver supplies the value a Placeholder refers to. A plain
// `{target}` placeholder resolves to the target field's current value; a
// windowed `{target::op(lookback)}` placeholder resolves to op applied
// to target's TSDB series over the last lookback. Resolution happens
// once per Placeholder node per Eval call, typed — never by splicing the
// result back into source text.
type Resolver interface {
	Resolve(ctx context.Context, p *Placeholder) (Value, error)
}

// Eval walks node, resolving Placeholder leaves via resolver and
// combining values per the closed arithmetic/boolean grammar.
func Eval(ctx context.Context, node Node, resolver Resolver) (Value, error) {
	switch n := node.(type) {
	case *Literal:
		return n.Value, nil

	case *Placeholder:
		return resolver.Resolve(ctx, n)

	case *UnaryExpr:
		v, err := Eval(ctx, n.Operand, resolver)
		if err != nil {
			return Value{}, err
		}
		switch n.Op {
		case OpNot:
			return Bool(!v.AsBool()), nil
		case OpNeg:
			f, err := v.AsNumber()
			if err != nil {
				return Value{}, err
			}
			return Number(-f), nil
		}
		return Value{}, ErrTypeMismatch

	case *BinaryExpr:
		return evalBinary(ctx, n, resolver)

	default:
		return Value{}, ErrUnresolvedPlaceholder
	}
}

func evalBinary(ctx context.Context, n *BinaryExpr, resolver Resolver) (Value, error) {
	// Short-circuit boolean operators evaluate the right side lazily.
	if n.Op == OpAnd {
		left, err := Eval(ctx, n.Left, resolver)
		if err != nil {
			return Value{}, err
		}
		if !left.AsBool() {
			return Bool(false), nil
		}
		right, err := Eval(ctx, n.Right, resolver)
		if err != nil {
			return Value{}, err
		}
		return Bool(right.AsBool()), nil
	}
	if n.Op == OpOr {
		left, err := Eval(ctx, n.Left, resolver)
		if err != nil {
			return Value{}, err
		}
		if left.AsBool() {
			return Bool(true), nil
		}
		right, err := Eval(ctx, n.Right, resolver)
		if err != nil {
			return Value{}, err
		}
		return Bool(right.AsBool()), nil
	}

	left, err := Eval(ctx, n.Left, resolver)
	if err != nil {
		return Value{}, err
	}
	right, err := Eval(ctx, n.Right, resolver)
	if err != nil {
		return Value{}, err
	}

	switch n.Op {
	case OpEq, OpNe:
		eq := valuesEqual(left, right)
		if n.Op == OpEq {
			return Bool(eq), nil
		}
		return Bool(!eq), nil
	}

	lf, err := left.AsNumber()
	if err != nil {
		return Value{}, err
	}
	rf, err := right.AsNumber()
	if err != nil {
		return Value{}, err
	}

	switch n.Op {
	case OpAdd:
		return Number(lf + rf), nil
	case OpSub:
		return Number(lf - rf), nil
	case OpMul:
		return Number(lf * rf), nil
	case OpDiv:
		if rf == 0 {
			return Value{}, ErrDivisionByZero
		}
		return Number(lf / rf), nil
	case OpMod:
		if rf == 0 {
			return Value{}, ErrDivisionByZero
		}
		return Number(float64(int64(lf) % int64(rf))), nil
	case OpGt:
		return Bool(lf > rf), nil
	case OpGte:
		return Bool(lf >= rf), nil
	case OpLt:
		return Bool(lf < rf), nil
	case OpLte:
		return Bool(lf <= rf), nil
	default:
		return Value{}, ErrTypeMismatch
	}
}

func valuesEqual(a, b Value) bool {
	if a.Kind == KindString || b.Kind == KindString {
		return a.String() == b.String()
	}
	af, aerr := a.AsNumber()
	bf, berr := b.AsNumber()
	if aerr == nil && berr == nil {
		return af == bf
	}
	return a.String() == b.String()
}
