package condition

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Evaluator decides conditions against partner attributes. It holds no
// per-call state and is safe for concurrent use.
type Evaluator struct {
	env   *cel.Env
	cache *programCache
}

func NewEvaluator() (*Evaluator, error) {
	opts := make([]cel.EnvOption, 0, len(AllAttributes))
	for _, attr := range AllAttributes {
		opts = append(opts, cel.Variable(string(attr), cel.IntType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &Evaluator{env: env, cache: newProgramCache()}, nil
}

// Evaluate reports whether attrs satisfy cond. An unknown attribute value or an
// invalid condition yields false.
func (e *Evaluator) Evaluate(cond Condition, attrs Attributes) bool {
	ok, err := e.Check(cond, attrs)
	return err == nil && ok
}

// Check is Evaluate with the reason for a false result on invalid input.
func (e *Evaluator) Check(cond Condition, attrs Attributes) (bool, error) {
	if err := cond.Validate(); err != nil {
		return false, err
	}

	value, known := attrs.Value(cond.Attribute)
	if !known {
		return false, nil
	}

	prg, err := e.cache.get(cond, e.compile)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{string(cond.Attribute): value})
	if err != nil {
		return false, fmt.Errorf("eval %s: %w", cond, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %s did not return boolean", cond)
	}
	return matched, nil
}

func (e *Evaluator) compile(cond Condition) (cel.Program, error) {
	ast, issues := e.env.Compile(cond.expression())
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition %s: %w", cond, issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}
