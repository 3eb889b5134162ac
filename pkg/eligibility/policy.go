package eligibility

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
)

// DefaultRewardStatusExpr admits completed, processing and paid submissions.
const DefaultRewardStatusExpr = `status in ['complete', 'processing', 'paid']`

// StatusPolicy decides which reward application statuses are approved.
type StatusPolicy interface {
	Eligible(status string) bool
}

// StatusSet is a fixed membership policy.
type StatusSet map[string]bool

// NewStatusSet builds a StatusSet from statuses.
func NewStatusSet(statuses ...string) StatusSet {
	s := make(StatusSet, len(statuses))
	for _, st := range statuses {
		s[strings.ToLower(st)] = true
	}
	return s
}

// DefaultRewardStatuses mirrors DefaultRewardStatusExpr.
var DefaultRewardStatuses = NewStatusSet("complete", "processing", "paid")

func (s StatusSet) Eligible(status string) bool { return s[strings.ToLower(status)] }

func (s StatusSet) String() string {
	out := make([]string, 0, len(s))
	for st := range s {
		out = append(out, st)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// CELStatusPolicy evaluates a boolean CEL expression over the variable
// `status`. Evaluation errors count as not eligible.
type CELStatusPolicy struct {
	expr string
	prg  cel.Program
}

// NewCELStatusPolicy compiles expr once. The program is safe for concurrent use.
func NewCELStatusPolicy(expr string) (*CELStatusPolicy, error) {
	if strings.TrimSpace(expr) == "" {
		expr = DefaultRewardStatusExpr
	}
	env, err := cel.NewEnv(cel.Variable("status", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile reward status policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("reward status policy must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(1000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &CELStatusPolicy{expr: expr, prg: prg}, nil
}

func (p *CELStatusPolicy) Eligible(status string) bool {
	out, _, err := p.prg.Eval(map[string]any{"status": strings.ToLower(status)})
	if err != nil {
		slog.Debug("reward status policy eval failed", "expr", p.expr, "status", status, "error", err)
		return false
	}
	ok, _ := out.Value().(bool)
	return ok
}

func (p *CELStatusPolicy) String() string { return p.expr }
