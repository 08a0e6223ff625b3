// Package expr parses and evaluates the global specification expression
// grammar of spec.md §4.4/§9: a boolean expression over atoms
// `procName[i].var is value`, combined with `and`, `or`, and parentheses.
//
// This replaces the original implementation's string-substituted Python
// eval() with a real small parser, per the Design Notes' explicit guidance.
package expr

import (
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?`},
	{Name: "Punct", Pattern: `[()\[\].]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// Expr is the root of a parsed global expression: one or more AndExpr joined
// by "or".
type Expr struct {
	Left  *AndExpr `parser:"@@"`
	Right []*Expr  `parser:"( \"or\" @@ )*"`
}

// AndExpr is one or more Atoms joined by "and".
type AndExpr struct {
	Left  *Atom      `parser:"@@"`
	Right []*AndExpr `parser:"( \"and\" @@ )*"`
}

// Atom is either a parenthesized sub-expression or a predicate.
type Atom struct {
	Paren     *Expr      `parser:"\"(\" @@ \")\""`
	Predicate *Predicate `parser:"| @@"`
}

// Predicate is one atom of the grammar: `procType[ordinal].variable is value`.
type Predicate struct {
	ProcessType string `parser:"@Ident"`
	Ordinal     int    `parser:"\"[\" @Number \"]\""`
	Variable    string `parser:"\".\" @Ident"`
	_           string `parser:"\"is\""`
	Value       string `parser:"@(Ident|Number)"`
}

var parser = participle.MustBuild[Expr](
	participle.Lexer(exprLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// Parse compiles a global expression string into an evaluable AST.
func Parse(src string) (*Expr, error) {
	e, err := parser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("expr: parse %q: %w", src, err)
	}
	return e, nil
}

// VarLookup resolves the received value of one process-type/ordinal/variable
// triple, or reports ok=false if the type/ordinal/variable is unknown — a
// parsed expression referencing an unknown name is rejected at Eval time per
// §4.4 ("reject expressions whose atoms do not name a known process type,
// ordinal, or variable").
type VarLookup func(processType string, ordinal int, variable string) (value string, ok bool)

// Eval evaluates the parsed expression against lookup.
func (e *Expr) Eval(lookup VarLookup) (bool, error) {
	left, err := e.Left.Eval(lookup)
	if err != nil {
		return false, err
	}
	result := left
	for _, r := range e.Right {
		rv, err := r.Eval(lookup)
		if err != nil {
			return false, err
		}
		result = result || rv
	}
	return result, nil
}

func (a *AndExpr) Eval(lookup VarLookup) (bool, error) {
	left, err := a.Left.Eval(lookup)
	if err != nil {
		return false, err
	}
	result := left
	for _, r := range a.Right {
		rv, err := r.Eval(lookup)
		if err != nil {
			return false, err
		}
		result = result && rv
	}
	return result, nil
}

func (a *Atom) Eval(lookup VarLookup) (bool, error) {
	if a.Paren != nil {
		return a.Paren.Eval(lookup)
	}
	return a.Predicate.Eval(lookup)
}

func (p *Predicate) Eval(lookup VarLookup) (bool, error) {
	received, ok := lookup(p.ProcessType, p.Ordinal, p.Variable)
	if !ok {
		return false, fmt.Errorf("expr: unknown atom %s[%d].%s", p.ProcessType, p.Ordinal, p.Variable)
	}
	return valuesEqual(received, p.Value), nil
}

// valuesEqual applies the same rule as the eval package's equals operator:
// an empty received value only equals an empty expected value, two numbers
// compare numerically, anything else compares as strings.
func valuesEqual(received, expected string) bool {
	if received == "" {
		return expected == ""
	}
	rf, rerr := strconv.ParseFloat(received, 64)
	ef, eerr := strconv.ParseFloat(expected, 64)
	if rerr == nil && eerr == nil {
		return rf == ef
	}
	return received == expected
}

// knownAtoms validates that every atom in e names a process type present in
// typeOrdinalCounts (type -> number of processes of that type) with a
// 1-based ordinal in range (1..count), the same ordinal base evaluation
// uses; it does not check variable names, which are only known once a
// payload sample exists.
func knownAtoms(e *Expr, typeOrdinalCounts map[string]int) error {
	return walk(e, func(p *Predicate) error {
		count, ok := typeOrdinalCounts[p.ProcessType]
		if !ok {
			return fmt.Errorf("expr: unknown process type %q", p.ProcessType)
		}
		if p.Ordinal < 1 || p.Ordinal > count {
			return fmt.Errorf("expr: ordinal %d out of range for type %q (%d processes)", p.Ordinal, p.ProcessType, count)
		}
		return nil
	})
}

// Validate checks every atom in src against the known (type -> process
// count) map, without evaluating it.
func Validate(src string, typeOrdinalCounts map[string]int) error {
	e, err := Parse(src)
	if err != nil {
		return err
	}
	return knownAtoms(e, typeOrdinalCounts)
}

func walk(e *Expr, fn func(*Predicate) error) error {
	if err := walkAnd(e.Left, fn); err != nil {
		return err
	}
	for _, r := range e.Right {
		if err := walk(r, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkAnd(a *AndExpr, fn func(*Predicate) error) error {
	if err := walkAtom(a.Left, fn); err != nil {
		return err
	}
	for _, r := range a.Right {
		if err := walkAnd(r, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkAtom(a *Atom, fn func(*Predicate) error) error {
	if a.Paren != nil {
		return walk(a.Paren, fn)
	}
	return fn(a.Predicate)
}
