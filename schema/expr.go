package schema

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
)

// ExprAssert compiles an expression-language predicate into an AssertFunc.
// The expression sees the candidate as `value` and the key-free form is the
// common case: `value >= 0 && value <= 100`. Compilation errors are returned;
// a runtime evaluation error or a non-boolean result counts as a failed
// assertion.
func ExprAssert(src string) (AssertFunc, error) {
	if src == "" {
		return nil, fmt.Errorf("schema: empty assert expression")
	}
	program, err := exprlang.Compile(src,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("schema: compile assert %q: %w", src, err)
	}
	return func(v any) bool {
		out, err := exprlang.Run(program, map[string]any{"value": v})
		if err != nil {
			return false
		}
		ok, isBool := out.(bool)
		return isBool && ok
	}, nil
}
