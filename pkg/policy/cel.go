package policy

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/docwallet/dwagent/pkg/contracts"
)

// celEnv declares the attributes visible to policy rules. Rules see the
// command as a map plus the rolling daily spend, mirroring the inputs of the
// declarative checks.
var (
	celEnvOnce sync.Once
	celEnvInst *cel.Env
	celEnvErr  error

	programMu    sync.Mutex
	programCache = map[string]cel.Program{}
)

func celEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnvInst, celEnvErr = cel.NewEnv(
			cel.VariableDecls(
				decls.NewVariable("kind", types.StringType),
				decls.NewVariable("command", types.NewMapType(types.StringType, types.DynType)),
				decls.NewVariable("dailySpendUsd", types.DoubleType),
			),
		)
	})
	return celEnvInst, celEnvErr
}

// Compile pre-compiles a policy's rule. Loading a policy with a rule that
// does not compile is a hard error, surfaced when the record is fetched
// rather than on every command.
func Compile(rule string) error {
	if rule == "" {
		return nil
	}
	_, err := compiledProgram(rule)
	return err
}

func compiledProgram(rule string) (cel.Program, error) {
	programMu.Lock()
	defer programMu.Unlock()
	if prg, ok := programCache[rule]; ok {
		return prg, nil
	}
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule compilation failed: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule program construction failed: %w", err)
	}
	programCache[rule] = prg
	return prg, nil
}

// evaluateRule runs the policy's CEL rule. Anything other than a clean true
// denies, matching the fail-closed stance of the declarative checks.
func evaluateRule(pol *Policy, cmd *contracts.ParsedCommand, evalCtx Context) Result {
	if pol.Rule == "" {
		return allowed
	}
	prg, err := compiledProgram(pol.Rule)
	if err != nil {
		return deny(fmt.Sprintf("rule: %v", err))
	}

	spend := 0.0
	if evalCtx.DailySpendUsd != "" {
		if v, err := strconv.ParseFloat(evalCtx.DailySpendUsd, 64); err == nil {
			spend = v
		}
	}
	out, _, err := prg.Eval(map[string]any{
		"kind":          string(cmd.Kind),
		"command":       commandVars(cmd),
		"dailySpendUsd": spend,
	})
	if err != nil {
		return deny(fmt.Sprintf("rule: evaluation error: %v", err))
	}
	if ok, isBool := out.Value().(bool); isBool && ok {
		return allowed
	}
	return deny("rule: denied by policy rule")
}

func commandVars(cmd *contracts.ParsedCommand) map[string]any {
	vars := map[string]any{
		"kind":  string(cmd.Kind),
		"asset": cmd.Asset,
		"to":    cmd.To,
		"base":  cmd.Base,
		"quote": cmd.Quote,
	}
	for key, raw := range map[string]string{
		"amount": cmd.Amount,
		"qty":    cmd.Qty,
		"price":  cmd.Price,
	} {
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			vars[key] = v
		}
	}
	return vars
}
