package eval

import (
	"fmt"
	"sort"

	"github.com/lbbence95/macrostepd/eval/expr"
	"github.com/lbbence95/macrostepd/model"
)

// VariableSpec is one per-process-type predicate from an Application
// descriptor's `specification` section.
//
// Ordinal selects which process of ProcessType the predicate applies to;
// zero means "every ordinal of this type" (the descriptor's normal case,
// mirroring the original's per-type loop over every instance of a VM kind).
type VariableSpec struct {
	ProcessType string
	Ordinal     int
	Variable    string
	Operator    Operator
	Expected    string
}

// Evaluator evaluates a node's sampled payload against the Application's
// per-variable predicate set and its global boolean expression.
type Evaluator struct {
	Variables  []VariableSpec
	GlobalExpr string
	global     *expr.Expr
}

// NewEvaluator parses globalExpr once so repeated samples don't re-parse it.
func NewEvaluator(variables []VariableSpec, globalExpr string) (*Evaluator, error) {
	ev := &Evaluator{Variables: variables, GlobalExpr: globalExpr}
	if globalExpr != "" {
		parsed, err := expr.Parse(globalExpr)
		if err != nil {
			return nil, fmt.Errorf("evaluator: %w", err)
		}
		ev.global = parsed
	}
	return ev, nil
}

// Sample is one payload's extracted variable values, keyed the same way the
// grammar addresses them: (process type, ordinal) -> variable -> value.
type Sample map[string]map[int]map[string]string

// Evaluate runs every per-variable predicate and the global expression
// against sample, returning a model.EvalSample for attachment to a tree
// node.
func (ev *Evaluator) Evaluate(sample Sample) (model.EvalSample, error) {
	result := model.EvalSample{GlobalExpr: ev.GlobalExpr}

	for _, spec := range ev.Variables {
		ordinals := []int{spec.Ordinal}
		if spec.Ordinal == 0 {
			ordinals = sampleOrdinals(sample, spec.ProcessType)
		}
		for _, ordinal := range ordinals {
			received := lookupValue(sample, spec.ProcessType, ordinal, spec.Variable)
			ok, err := EvaluateVariable(spec.Operator, received, spec.Expected)
			if err != nil {
				return model.EvalSample{}, fmt.Errorf("evaluator: %s[%d].%s: %w", spec.ProcessType, ordinal, spec.Variable, err)
			}
			result.Outcomes = append(result.Outcomes, model.EvalOutcome{
				ProcessType: spec.ProcessType,
				Ordinal:     ordinal,
				Variable:    spec.Variable,
				Operator:    string(spec.Operator),
				Expected:    spec.Expected,
				Received:    received,
				Result:      ok,
			})
		}
	}

	if ev.global != nil {
		value, err := ev.global.Eval(func(processType string, ordinal int, variable string) (string, bool) {
			byOrd, ok := sample[processType]
			if !ok {
				return "", false
			}
			vars, ok := byOrd[ordinal]
			if !ok {
				return "", false
			}
			v, ok := vars[variable]
			return v, ok
		})
		if err != nil {
			return model.EvalSample{}, fmt.Errorf("evaluator: global expression: %w", err)
		}
		result.GlobalValue = value
	}

	return result, nil
}

// sampleOrdinals returns processType's known ordinals in ascending order.
func sampleOrdinals(sample Sample, processType string) []int {
	byOrd, ok := sample[processType]
	if !ok {
		return nil
	}
	ordinals := make([]int, 0, len(byOrd))
	for ord := range byOrd {
		ordinals = append(ordinals, ord)
	}
	sort.Ints(ordinals)
	return ordinals
}

func lookupValue(sample Sample, processType string, ordinal int, variable string) string {
	byOrd, ok := sample[processType]
	if !ok {
		return ""
	}
	vars, ok := byOrd[ordinal]
	if !ok {
		return ""
	}
	return vars[variable]
}
