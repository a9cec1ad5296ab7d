package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/mnemos/pkg/schema"
)

// Engine evaluates expressions against system samples, runtime profiles and
// thought payloads.
// Three implementations: Expr (profile conditions), CEL (alternate profile
// conditions), GoJQ (thought queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can reject an expression before
// any data is available.
type Compiler interface {
	Compile(expression string) error
}

// Check compiles expression when e supports it and is a no-op otherwise.
func Check(e Engine, expression string) error {
	c, ok := e.(Compiler)
	if !ok {
		return nil
	}
	return c.Compile(expression)
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %s, want bool", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// ForLanguage returns the engine registered under lang. An empty lang selects expr.
func ForLanguage(lang string, engines ...Engine) (Engine, error) {
	if lang == "" {
		lang = "expr"
	}
	for _, e := range engines {
		if e != nil && e.Name() == lang {
			return e, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", lang)
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
