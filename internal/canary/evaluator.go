package canary

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
)

// EvalEnv is the expression environment for the custom strategy.
// Field names use dot notation, e.g.
// "canary.failure_rate > stable.failure_rate * 2".
type EvalEnv struct {
	Canary TargetEnv `expr:"canary"`
	Stable TargetEnv `expr:"stable"`
}

// TargetEnv exposes one window snapshot to expressions.
type TargetEnv struct {
	Requests    int64   `expr:"requests"`
	Failures    int64   `expr:"failures"`
	FailureRate float64 `expr:"failure_rate"` // percent
	AvgMs       float64 `expr:"avg_ms"`
	P50Ms       float64 `expr:"p50_ms"`
	P95Ms       float64 `expr:"p95_ms"`
	P99Ms       float64 `expr:"p99_ms"`
}

func targetEnv(s metrics.Snapshot) TargetEnv {
	return TargetEnv{
		Requests:    s.TotalCalls,
		Failures:    s.FailureCalls,
		FailureRate: s.FailureRate,
		AvgMs:       s.AvgMs,
		P50Ms:       s.P50Ms,
		P95Ms:       s.P95Ms,
		P99Ms:       s.P99Ms,
	}
}

// compileEvaluator builds an Evaluator from the promoteWhen and
// rollbackWhen expressions. Rollback is checked first and wins; a
// runtime evaluation error holds the rollout in place.
func compileEvaluator(promoteWhen, rollbackWhen string) (Evaluator, error) {
	if promoteWhen == "" && rollbackWhen == "" {
		return nil, fmt.Errorf("canary: custom strategy requires promoteWhen or rollbackWhen")
	}

	var promote, rollback *vm.Program
	var err error
	if rollbackWhen != "" {
		rollback, err = expr.Compile(rollbackWhen, expr.Env(EvalEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("canary: rollbackWhen: %w", err)
		}
	}
	if promoteWhen != "" {
		promote, err = expr.Compile(promoteWhen, expr.Env(EvalEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("canary: promoteWhen: %w", err)
		}
	}

	return func(canary, stable metrics.Snapshot) Decision {
		env := EvalEnv{Canary: targetEnv(canary), Stable: targetEnv(stable)}
		if rollback != nil && runBool(rollback, env) {
			return Rollback
		}
		if promote != nil && runBool(promote, env) {
			return Promote
		}
		return Hold
	}, nil
}

func runBool(program *vm.Program, env EvalEnv) bool {
	out, err := expr.Run(program, env)
	if err != nil {
		logging.Warn("canary expression failed", zap.Error(err))
		return false
	}
	ok, _ := out.(bool)
	return ok
}
