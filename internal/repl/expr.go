package repl

import (
	"fmt"
	"go/ast"
	"go/token"
	"reflect"
	"strconv"
)

// evalExpr walks one expression tree against the namespace. Numbers are
// normalized to int64/float64 so arithmetic between literals and decoded
// JSON values behaves.
func (e *Evaluator) evalExpr(expr ast.Expr) (any, error) {
	switch x := expr.(type) {
	case *ast.BasicLit:
		return evalLiteral(x)
	case *ast.Ident:
		return e.evalIdent(x)
	case *ast.ParenExpr:
		return e.evalExpr(x.X)
	case *ast.UnaryExpr:
		return e.evalUnary(x)
	case *ast.BinaryExpr:
		return e.evalBinary(x)
	case *ast.SelectorExpr:
		return e.evalSelector(x)
	case *ast.IndexExpr:
		return e.evalIndex(x)
	case *ast.CallExpr:
		return e.evalCall(x)
	}
	return nil, &Error{Message: fmt.Sprintf("unsupported expression %T", expr)}
}

func evalLiteral(lit *ast.BasicLit) (any, error) {
	switch lit.Kind {
	case token.INT:
		n, err := strconv.ParseInt(lit.Value, 0, 64)
		if err != nil {
			return nil, &Error{Message: "bad integer literal " + lit.Value}
		}
		return n, nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return nil, &Error{Message: "bad float literal " + lit.Value}
		}
		return f, nil
	case token.STRING, token.CHAR:
		s, err := strconv.Unquote(lit.Value)
		if err != nil {
			return nil, &Error{Message: "bad string literal"}
		}
		return s, nil
	}
	return nil, &Error{Message: "unsupported literal " + lit.Value}
}

func (e *Evaluator) evalIdent(ident *ast.Ident) (any, error) {
	switch ident.Name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil":
		return nil, nil
	}
	if v, ok := e.namespace[ident.Name]; ok {
		return v, nil
	}
	return nil, &Error{Message: fmt.Sprintf("name %q is not defined", ident.Name)}
}

func (e *Evaluator) evalUnary(x *ast.UnaryExpr) (any, error) {
	v, err := e.evalExpr(x.X)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case token.SUB:
		if i, ok := asInt(v); ok {
			return -i, nil
		}
		if f, ok := asFloat(v); ok {
			return -f, nil
		}
	case token.NOT:
		if b, ok := v.(bool); ok {
			return !b, nil
		}
	case token.ADD:
		if _, ok := asFloat(v); ok {
			return v, nil
		}
	}
	return nil, &Error{Message: fmt.Sprintf("unsupported operand for %s: %T", x.Op, v)}
}

func (e *Evaluator) evalBinary(x *ast.BinaryExpr) (any, error) {
	left, err := e.evalExpr(x.X)
	if err != nil {
		return nil, err
	}

	// Short-circuit logical operators before evaluating the right side.
	switch x.Op {
	case token.LAND, token.LOR:
		lb, ok := left.(bool)
		if !ok {
			return nil, &Error{Message: fmt.Sprintf("non-boolean operand for %s", x.Op)}
		}
		if x.Op == token.LAND && !lb {
			return false, nil
		}
		if x.Op == token.LOR && lb {
			return true, nil
		}
		right, err := e.evalExpr(x.Y)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, &Error{Message: fmt.Sprintf("non-boolean operand for %s", x.Op)}
		}
		return rb, nil
	}

	right, err := e.evalExpr(x.Y)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case token.EQL:
		return looseEqual(left, right), nil
	case token.NEQ:
		return !looseEqual(left, right), nil
	}

	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, &Error{Message: "mismatched operand types string and non-string"}
		}
		switch x.Op {
		case token.ADD:
			return ls + rs, nil
		case token.LSS:
			return ls < rs, nil
		case token.LEQ:
			return ls <= rs, nil
		case token.GTR:
			return ls > rs, nil
		case token.GEQ:
			return ls >= rs, nil
		}
		return nil, &Error{Message: fmt.Sprintf("unsupported string operator %s", x.Op)}
	}

	li, lIsInt := asInt(left)
	ri, rIsInt := asInt(right)
	if lIsInt && rIsInt {
		switch x.Op {
		case token.ADD:
			return li + ri, nil
		case token.SUB:
			return li - ri, nil
		case token.MUL:
			return li * ri, nil
		case token.QUO:
			if ri == 0 {
				return nil, &Error{Message: "integer division by zero"}
			}
			return li / ri, nil
		case token.REM:
			if ri == 0 {
				return nil, &Error{Message: "integer modulo by zero"}
			}
			return li % ri, nil
		case token.LSS:
			return li < ri, nil
		case token.LEQ:
			return li <= ri, nil
		case token.GTR:
			return li > ri, nil
		case token.GEQ:
			return li >= ri, nil
		}
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch x.Op {
		case token.ADD:
			return lf + rf, nil
		case token.SUB:
			return lf - rf, nil
		case token.MUL:
			return lf * rf, nil
		case token.QUO:
			if rf == 0 {
				return nil, &Error{Message: "float division by zero"}
			}
			return lf / rf, nil
		case token.LSS:
			return lf < rf, nil
		case token.LEQ:
			return lf <= rf, nil
		case token.GTR:
			return lf > rf, nil
		case token.GEQ:
			return lf >= rf, nil
		}
	}

	return nil, &Error{Message: fmt.Sprintf("unsupported operands for %s: %T and %T", x.Op, left, right)}
}

func (e *Evaluator) evalSelector(x *ast.SelectorExpr) (any, error) {
	base, err := e.evalExpr(x.X)
	if err != nil {
		return nil, err
	}
	name := x.Sel.Name

	if m, ok := base.(map[string]any); ok {
		if v, present := m[name]; present {
			return v, nil
		}
		return nil, &Error{Message: fmt.Sprintf("key %q not found", name)}
	}

	rv := reflect.ValueOf(base)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		if method := rv.MethodByName(name); method.IsValid() {
			return method.Interface(), nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		if field := rv.FieldByName(name); field.IsValid() && field.CanInterface() {
			return field.Interface(), nil
		}
	}
	if rv.IsValid() {
		if method := rv.MethodByName(name); method.IsValid() {
			return method.Interface(), nil
		}
	}
	return nil, &Error{Message: fmt.Sprintf("%T has no attribute %q", base, name)}
}

func (e *Evaluator) evalIndex(x *ast.IndexExpr) (any, error) {
	base, err := e.evalExpr(x.X)
	if err != nil {
		return nil, err
	}
	index, err := e.evalExpr(x.Index)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(base)
	switch rv.Kind() {
	case reflect.Map:
		key := reflect.ValueOf(index)
		if !key.Type().AssignableTo(rv.Type().Key()) {
			if key.Type().ConvertibleTo(rv.Type().Key()) {
				key = key.Convert(rv.Type().Key())
			} else {
				return nil, &Error{Message: fmt.Sprintf("bad map key type %T", index)}
			}
		}
		v := rv.MapIndex(key)
		if !v.IsValid() {
			return nil, &Error{Message: fmt.Sprintf("key %v not found", index)}
		}
		return v.Interface(), nil
	case reflect.Slice, reflect.Array, reflect.String:
		i, ok := asInt(index)
		if !ok {
			return nil, &Error{Message: fmt.Sprintf("index must be integer, got %T", index)}
		}
		if i < 0 || int(i) >= rv.Len() {
			return nil, &Error{Message: fmt.Sprintf("index %d out of range (len %d)", i, rv.Len())}
		}
		if rv.Kind() == reflect.String {
			return string(rv.String()[i]), nil
		}
		return rv.Index(int(i)).Interface(), nil
	}
	return nil, &Error{Message: fmt.Sprintf("%T is not indexable", base)}
}

func (e *Evaluator) evalCall(x *ast.CallExpr) (any, error) {
	// len is the one builtin worth having.
	if ident, ok := x.Fun.(*ast.Ident); ok && ident.Name == "len" {
		if len(x.Args) != 1 {
			return nil, &Error{Message: "len takes exactly one argument"}
		}
		arg, err := e.evalExpr(x.Args[0])
		if err != nil {
			return nil, err
		}
		rv := reflect.ValueOf(arg)
		switch rv.Kind() {
		case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
			return int64(rv.Len()), nil
		}
		return nil, &Error{Message: fmt.Sprintf("len of %T is not defined", arg)}
	}

	fn, err := e.evalExpr(x.Fun)
	if err != nil {
		return nil, err
	}
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, &Error{Message: fmt.Sprintf("%T is not callable", fn)}
	}

	args := make([]reflect.Value, len(x.Args))
	for i, argExpr := range x.Args {
		argVal, err := e.evalExpr(argExpr)
		if err != nil {
			return nil, err
		}
		args[i] = coerceArg(argVal, fv.Type(), i)
	}

	results, err := safeCall(fv, args)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return normalizeResult(results[0]), nil
	default:
		// func (T, error) convention: surface the error, return the value.
		last := results[len(results)-1]
		if callErr, ok := last.Interface().(error); ok && callErr != nil {
			return nil, &Error{Message: callErr.Error()}
		}
		return normalizeResult(results[0]), nil
	}
}

func safeCall(fv reflect.Value, args []reflect.Value) (results []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Message: fmt.Sprintf("%v", r)}
		}
	}()
	return fv.Call(args), nil
}

func coerceArg(v any, fnType reflect.Type, i int) reflect.Value {
	if i >= fnType.NumIn() {
		return reflect.ValueOf(v)
	}
	want := fnType.In(i)
	rv := reflect.ValueOf(v)
	if v == nil {
		return reflect.Zero(want)
	}
	if rv.Type().AssignableTo(want) {
		return rv
	}
	if rv.Type().ConvertibleTo(want) {
		return rv.Convert(want)
	}
	return rv
}

func normalizeResult(rv reflect.Value) any {
	v := rv.Interface()
	if i, ok := asInt(v); ok {
		return i
	}
	return v
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case float32:
		if float64(t) == float64(int64(t)) {
			return int64(t), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if ai, aok := asInt(a); aok {
		if bi, bok := asInt(b); bok {
			return ai == bi
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}
