// Package config loads and validates Application descriptors (§6, §12): the
// YAML file declaring an Application's name, orchestrator, infrastructure
// descriptor reference, and optional per-process specification predicates.
package config

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lbbence95/macrostepd/eval"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/orchestrator"
	"github.com/lbbence95/macrostepd/store"
)

// OrchestratorConfig names which orchestrator plugin an Application uses and
// where to reach it.
type OrchestratorConfig struct {
	Type string `yaml:"type" validate:"required,oneof=occopus terraform"`
	URL  string `yaml:"url" validate:"required,url"`
	// InfraFile is the orchestrator-specific infrastructure descriptor path,
	// handed to the adapter exactly as written (it is not resolved against
	// the Application descriptor's own directory).
	InfraFile string `yaml:"infra_file" validate:"required"`
}

// VariableExpectation is one `expected` clause of a per-process predicate,
// keyed by operator name (only one key is ever populated; §4.4/§8 "exactly
// one operator per variable").
type VariableExpectation map[string]string

// VariableSpec is one `specification` entry for a process type.
type VariableSpec struct {
	Variable struct {
		Name     string              `yaml:"name" validate:"required"`
		Expected VariableExpectation `yaml:"expected" validate:"required,len=1"`
	} `yaml:"variable"`
}

// Descriptor is the on-disk shape of an Application descriptor YAML file.
type Descriptor struct {
	ApplicationName     string                    `yaml:"application_name" validate:"required"`
	Orchestrator        OrchestratorConfig        `yaml:"orchestrator" validate:"required"`
	Specification       map[string][]VariableSpec `yaml:"specification"`
	SpecificationGlobal string                    `yaml:"specification_global"`
}

// LoadApplication implements the two-stage validation of Process_app_descriptor:
// parse the descriptor as YAML and validate its struct shape, then delegate
// to the orchestrator adapter to validate and enumerate the referenced
// infrastructure descriptor. On success it registers the resulting
// model.Application with instances and returns it.
func LoadApplication(ctx context.Context, path string, adapter orchestrator.Adapter, instances store.InstanceStore) (model.Application, Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Application{}, Descriptor{}, macroerr.Wrap(macroerr.Validation, "config.LoadApplication", "application descriptor not found", err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return model.Application{}, Descriptor{}, macroerr.Wrap(macroerr.Validation, "config.LoadApplication", "invalid application descriptor YAML", err)
	}

	if err := validator.New().Struct(desc); err != nil {
		return model.Application{}, Descriptor{}, macroerr.Wrap(macroerr.Validation, "config.LoadApplication", "application descriptor failed validation", err)
	}

	if err := adapter.ValidateDescriptor(ctx, desc.Orchestrator.InfraFile); err != nil {
		return model.Application{}, Descriptor{}, macroerr.Wrap(macroerr.Validation, "config.LoadApplication", "invalid infrastructure descriptor", err)
	}

	types, err := adapter.ProcessTypes(ctx, desc.Orchestrator.InfraFile)
	if err != nil {
		return model.Application{}, Descriptor{}, macroerr.Wrap(macroerr.Validation, "config.LoadApplication", "failed to read process types from infrastructure descriptor", err)
	}

	app := model.Application{
		Name:               desc.ApplicationName,
		OrchestratorKind:   desc.Orchestrator.Type,
		OrchestratorURL:    desc.Orchestrator.URL,
		InfraDescriptorRef: desc.Orchestrator.InfraFile,
		ProcessTypes:       types,
	}

	if err := instances.SaveApplication(ctx, app); err != nil {
		return model.Application{}, Descriptor{}, macroerr.Wrap(macroerr.External, "config.LoadApplication", "failed to register application", err)
	}

	return app, desc, nil
}

// operatorShorthand mirrors exectree.py's display-only shorthand table; kept
// here so the evaluator builder and any future CLI/log output agree on
// names without re-deriving them from the YAML operator keys.
var operatorShorthand = map[eval.Operator]string{
	eval.OpEquals:        "=",
	eval.OpNotEquals:     "<>",
	eval.OpLessThanEq:    "<=",
	eval.OpLessThan:      "<",
	eval.OpGreaterThanEq: ">=",
	eval.OpGreaterThan:   ">",
	eval.OpBetween:       "><",
	eval.OpExactly:       "exactly",
	eval.OpContains:      "contains",
}

// BuildEvaluator flattens a Descriptor's `specification`/`specification_global`
// sections into an eval.Evaluator, resolving each variable's operator and
// expected value from its single-key VariableExpectation map.
func BuildEvaluator(desc Descriptor) (*eval.Evaluator, error) {
	var specs []eval.VariableSpec
	for procType, vars := range desc.Specification {
		for _, v := range vars {
			for opName, expected := range v.Variable.Expected {
				op := eval.Operator(opName)
				if _, ok := operatorShorthand[op]; !ok {
					return nil, fmt.Errorf("config: unknown operator %q for variable %q", opName, v.Variable.Name)
				}
				specs = append(specs, eval.VariableSpec{
					ProcessType: procType,
					Variable:    v.Variable.Name,
					Operator:    op,
					Expected:    expected,
				})
			}
		}
	}
	return eval.NewEvaluator(specs, desc.SpecificationGlobal)
}
