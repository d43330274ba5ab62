// Package expr evaluates the boolean expressions used by field constraints
// and follow-up rules.
package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

// FunctionRegistry holds the functions callable from expressions.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var global = newRegistry()

func newRegistry() *FunctionRegistry {
	r := &FunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}
	r.functions["len"] = lengthOf
	r.functions["words"] = wordCount
	r.functions["lower"] = lower
	r.functions["contains"] = contains
	return r
}

// RegisterFunction makes fn callable as name in every expression compiled
// afterwards.
func RegisterFunction(name string, fn govaluate.ExpressionFunction) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.functions[name] = fn
}

func functions() map[string]govaluate.ExpressionFunction {
	global.mu.RLock()
	defer global.mu.RUnlock()
	out := make(map[string]govaluate.ExpressionFunction, len(global.functions))
	for k, v := range global.functions {
		out[k] = v
	}
	return out
}

// Compile parses expression with the registered functions.
func Compile(expression string) (*govaluate.EvaluableExpression, error) {
	return govaluate.NewEvaluableExpressionWithFunctions(expression, functions())
}

// Validate checks that expression parses.
func Validate(expression string) error {
	_, err := Compile(expression)
	return err
}

// EvalBool evaluates a compiled expression that must yield a boolean.
func EvalBool(e *govaluate.EvaluableExpression, params map[string]any) (bool, error) {
	out, err := e.Evaluate(normalize(params))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", e.String(), out)
	}
	return b, nil
}

// Eval compiles and evaluates expression in one go.
func Eval(expression string, params map[string]any) (bool, error) {
	e, err := Compile(expression)
	if err != nil {
		return false, err
	}
	return EvalBool(e, params)
}

// normalize widens integers to float64; govaluate compares numbers as float64.
func normalize(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int32:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

func lengthOf(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len([]rune(v))), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	}
	return nil, fmt.Errorf("len: unsupported type %T", args[0])
}

func wordCount(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("words expects 1 argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("words: unsupported type %T", args[0])
	}
	return float64(len(strings.Fields(s))), nil
}

func lower(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lower expects 1 argument, got %d", len(args))
	}
	return strings.ToLower(fmt.Sprint(args[0])), nil
}

func contains(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
	}
	switch hay := args[0].(type) {
	case string:
		return strings.Contains(hay, fmt.Sprint(args[1])), nil
	case []any:
		for _, item := range hay {
			if item == args[1] {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("contains: unsupported type %T", args[0])
}
