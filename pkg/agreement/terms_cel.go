package agreement

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// terminationEvaluator evaluates termination predicates with compiled-program
// caching, one program per distinct expression.
type terminationEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newTerminationEvaluator() (*terminationEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("parties", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &terminationEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// allows reports whether the predicate permits actor to terminate the
// agreement. An empty predicate permits any party.
func (t *terminationEvaluator) allows(predicate string, actor string, a *Agreement) (bool, error) {
	if predicate == "" {
		return true, nil
	}

	prg, err := t.program(predicate)
	if err != nil {
		return false, err
	}

	parties := make([]string, 0, len(a.Parties))
	for _, p := range a.Parties {
		parties = append(parties, p.Identity.AgentID)
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"actor":   actor,
		"status":  string(a.Status),
		"parties": parties,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate termination predicate: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("termination predicate must yield bool, got %T", out.Value())
	}
	return allowed, nil
}

func (t *terminationEvaluator) program(predicate string) (cel.Program, error) {
	t.mu.RLock()
	prg, ok := t.cache[predicate]
	t.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := t.env.Compile(predicate)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile termination predicate: %w", issues.Err())
	}
	prg, err := t.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build termination program: %w", err)
	}

	t.mu.Lock()
	t.cache[predicate] = prg
	t.mu.Unlock()
	return prg, nil
}
