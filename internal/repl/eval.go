// Package repl evaluates source fragments against a paused call's locals.
// Each session owns a single namespace: assignments persist across
// evaluations, so "z = x+5" followed by "z" returns the assigned value.
//
// Fragments are parsed with go/parser. An expression evaluates to a rendered
// result; an assignment statement mutates the namespace with empty output.
package repl

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Error is a runtime evaluation failure, rendered as "<TypeFQN>: <message>".
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Evaluator is one session's namespace plus the machinery to run fragments
// against it. Safe for use from the poll goroutine and the caller thread.
type Evaluator struct {
	mu        sync.Mutex
	namespace map[string]any
}

// New seeds an evaluator with the paused frame's locals (and whatever host
// globals the caller wants visible).
func New(locals map[string]any) *Evaluator {
	ns := make(map[string]any, len(locals))
	for k, v := range locals {
		ns[k] = v
	}
	return &Evaluator{namespace: ns}
}

// Get reads a namespace binding.
func (e *Evaluator) Get(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.namespace[name]
	return v, ok
}

// Set writes a namespace binding.
func (e *Evaluator) Set(name string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.namespace[name] = v
}

// Eval runs one source fragment. The returned output is the rendered result
// (empty for statements); isError marks syntax and runtime failures, whose
// text lands in output.
func (e *Evaluator) Eval(src string) (output string, isError bool) {
	out, _, isErr := e.EvalValue(src)
	return out, isErr
}

// EvalValue is Eval plus the raw result value for callers that re-encode it
// (the repl-result path serializes it with the pause's preferred format).
func (e *Evaluator) EvalValue(src string) (output string, result any, isError bool) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Expression first.
	if expr, err := parser.ParseExpr(src); err == nil {
		v, evalErr := e.evalExpr(expr)
		if evalErr != nil {
			return renderError(evalErr), nil, true
		}
		return render(v), v, false
	}

	// Statement block second.
	if done, evalErr := e.execStatements(src); done {
		if evalErr != nil {
			return renderError(evalErr), nil, true
		}
		return "", nil, false
	}

	// Syntax failure: distinguish incomplete input from hard errors.
	if incompleteInput(src) {
		return "SyntaxError: incomplete input", nil, true
	}
	_, err := parser.ParseExpr(src)
	return fmt.Sprintf("SyntaxError: %s", firstErrorLine(err)), nil, true
}

// execStatements handles the statement forms the REPL supports: assignments
// and bare expression statements, one or more separated by newlines or
// semicolons. Returns done=false when the fragment does not parse as
// statements at all.
func (e *Evaluator) execStatements(src string) (done bool, err error) {
	wrapped := "package p\nfunc _() {\n" + src + "\n}"
	file, parseErr := parser.ParseFile(token.NewFileSet(), "repl.go", wrapped, parser.SkipObjectResolution)
	if parseErr != nil {
		return false, nil
	}
	fn, ok := file.Decls[0].(*ast.FuncDecl)
	if !ok || fn.Body == nil {
		return false, nil
	}
	for _, stmt := range fn.Body.List {
		if err := e.execStmt(stmt); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (e *Evaluator) execStmt(stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		if len(s.Lhs) != 1 || len(s.Rhs) != 1 {
			return &Error{Message: "only single assignments are supported"}
		}
		ident, ok := s.Lhs[0].(*ast.Ident)
		if !ok {
			return &Error{Message: "assignment target must be a name"}
		}
		v, err := e.evalExpr(s.Rhs[0])
		if err != nil {
			return err
		}
		e.namespace[ident.Name] = v
		return nil
	case *ast.ExprStmt:
		_, err := e.evalExpr(s.X)
		return err
	}
	return &Error{Message: fmt.Sprintf("unsupported statement %T", stmt)}
}

// incompleteInput detects fragments cut off mid-construct: unbalanced
// delimiters, unterminated strings, or a trailing binary operator.
func incompleteInput(src string) bool {
	depth := 0
	inString := byte(0)
	escaped := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	if depth > 0 || inString != 0 {
		return true
	}
	trimmed := strings.TrimRight(src, " \t\n")
	for _, op := range []string{"+", "-", "*", "/", "%", "&&", "||", "==", "!=", "<", ">", "=", ","} {
		if strings.HasSuffix(trimmed, op) {
			return true
		}
	}
	return false
}

func firstErrorLine(err error) string {
	if err == nil {
		return "invalid syntax"
	}
	text := err.Error()
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	// Strip the "file:line:col: " prefix go/parser adds.
	if i := strings.Index(text, ": "); i >= 0 {
		text = text[i+2:]
	}
	return text
}

// render formats a result value the way the transcript shows it.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(t)
	}
	return fmt.Sprintf("%v", v)
}

// renderError formats a runtime failure as "<TypeFQN>: <message>".
func renderError(err error) string {
	rt := reflect.TypeOf(err)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	fqn := rt.Name()
	if pkg := rt.PkgPath(); pkg != "" {
		if i := strings.LastIndexByte(pkg, '/'); i >= 0 {
			pkg = pkg[i+1:]
		}
		fqn = pkg + "." + fqn
	}
	return fmt.Sprintf("%s: %s", fqn, err.Error())
}
