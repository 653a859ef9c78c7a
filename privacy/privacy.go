// Package privacy provides types and helpers for writing authorization
// rules over nested writes, and deals with their evaluation at runtime.
// Rules run against the resolved operation tree before anything is
// planned or executed, so a denied write never reaches storage.
package privacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/syssam/nestwrite/writeop"
)

// Policy decision sentinel errors.
//
// These errors are used as return values from policy rules to indicate
// how the policy evaluation should proceed. Use errors.Is() to check
// for these values:
//
//	if errors.Is(err, privacy.Allow) { ... }
//	if errors.Is(err, privacy.Deny) { ... }
//	if errors.Is(err, privacy.Skip) { ... }
var (
	// Allow may be returned by rules to indicate that the policy
	// evaluation should terminate with an allow decision.
	// When returned from a policy, the operation is permitted.
	Allow = errors.New("nestwrite/privacy: allow rule")

	// Deny may be returned by rules to indicate that the policy
	// evaluation should terminate with a deny decision.
	// When returned from a policy, the operation is rejected.
	Deny = errors.New("nestwrite/privacy: deny rule")

	// Skip may be returned by rules to indicate that the policy
	// evaluation should continue to the next rule in the chain.
	// This allows rules to abstain from making a decision.
	Skip = errors.New("nestwrite/privacy: skip rule")
)

// Allowf returns a formatted wrapped Allow decision.
// The returned error wraps Allow and can be checked with errors.Is(err, Allow).
func Allowf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Allow)...)
}

// Denyf returns a formatted wrapped Deny decision.
// The returned error wraps Deny and can be checked with errors.Is(err, Deny).
func Denyf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Deny)...)
}

// Skipf returns a formatted wrapped Skip decision.
// The returned error wraps Skip and can be checked with errors.Is(err, Skip).
func Skipf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Skip)...)
}

// Rule decides whether one write operation is allowed. The same rule is
// evaluated for the root operation and for every nested operation it
// carries, so a rule denying deletes on a model also blocks nested
// deletes reached through a relation.
type Rule interface {
	EvalWrite(context.Context, *writeop.Operation) error
}

// RuleFunc type is an adapter which allows the use of ordinary
// functions as write rules.
type RuleFunc func(context.Context, *writeop.Operation) error

// EvalWrite returns f(ctx, op).
func (f RuleFunc) EvalWrite(ctx context.Context, op *writeop.Operation) error {
	return f(ctx, op)
}

// Policy combines multiple write rules into a single policy. Rules are
// evaluated in order: nil and Skip move to the next rule, Allow
// terminates with a nil error and anything else terminates with that
// decision. A policy whose rules all skip permits the operation.
type Policy []Rule

// EvalWrite evaluates one operation against the policy, without
// descending into nested operations.
func (p Policy) EvalWrite(ctx context.Context, op *writeop.Operation) error {
	if decision, ok := DecisionFromContext(ctx); ok {
		return decision
	}
	for _, rule := range p {
		switch decision := rule.EvalWrite(ctx, op); {
		case decision == nil || errors.Is(decision, Skip):
		case errors.Is(decision, Allow):
			return nil
		default:
			return decision
		}
	}
	return nil
}

// Eval evaluates the whole resolved tree: the operation itself, its
// upsert and connectOrCreate branches, and every nested operation.
func (p Policy) Eval(ctx context.Context, op *writeop.Operation) error {
	if len(p) == 0 || op == nil {
		return nil
	}
	if err := p.EvalWrite(ctx, op); err != nil {
		return err
	}
	for _, branch := range []*writeop.Operation{op.Update, op.Create} {
		if err := p.Eval(ctx, branch); err != nil {
			return err
		}
	}
	for _, nested := range op.Nested {
		for _, child := range nested.Ops {
			if err := p.Eval(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// AlwaysAllowRule returns a rule that always returns an Allow decision.
func AlwaysAllowRule() Rule {
	return fixedDecision{Allow}
}

// AlwaysDenyRule returns a rule that always returns a Deny decision.
func AlwaysDenyRule() Rule {
	return fixedDecision{Deny}
}

// ContextRule creates a write rule from a context evaluation function.
// The provided function receives the context and should return Allow,
// Deny, Skip, or nil. Returning nil is equivalent to returning Skip.
func ContextRule(eval func(context.Context) error) Rule {
	return contextDecision{eval}
}

// OnOperation evaluates the given rule only for a given operation kind.
func OnOperation(rule Rule, kind writeop.Kind) Rule {
	return RuleFunc(func(ctx context.Context, op *writeop.Operation) error {
		if op.Kind == kind {
			return rule.EvalWrite(ctx, op)
		}
		return Skip
	})
}

// OnModel evaluates the given rule only for operations on a given model.
func OnModel(rule Rule, model string) Rule {
	return RuleFunc(func(ctx context.Context, op *writeop.Operation) error {
		if op.Model == model {
			return rule.EvalWrite(ctx, op)
		}
		return Skip
	})
}

// DenyOperationRule returns a rule denying the specified operation kind.
func DenyOperationRule(kind writeop.Kind) Rule {
	rule := RuleFunc(func(_ context.Context, op *writeop.Operation) error {
		return Denyf("nestwrite/privacy: operation %s is not allowed", op.Kind)
	})
	return OnOperation(rule, kind)
}

// AllowOperationRule returns a rule allowing the specified operation kind.
func AllowOperationRule(kind writeop.Kind) Rule {
	rule := RuleFunc(func(context.Context, *writeop.Operation) error {
		return Allow
	})
	return OnOperation(rule, kind)
}

type decisionCtxKey struct{}

// DecisionContext creates a new context from the given parent context
// with a policy decision attached to it.
func DecisionContext(parent context.Context, decision error) context.Context {
	if decision == nil || errors.Is(decision, Skip) {
		return parent
	}
	return context.WithValue(parent, decisionCtxKey{}, decision)
}

// DecisionFromContext retrieves the policy decision from the context.
func DecisionFromContext(ctx context.Context) (error, bool) {
	decision, ok := ctx.Value(decisionCtxKey{}).(error)
	if ok && errors.Is(decision, Allow) {
		decision = nil
	}
	return decision, ok
}

type fixedDecision struct {
	decision error
}

func (f fixedDecision) EvalWrite(context.Context, *writeop.Operation) error {
	return f.decision
}

type contextDecision struct {
	eval func(context.Context) error
}

func (c contextDecision) EvalWrite(ctx context.Context, _ *writeop.Operation) error {
	return c.eval(ctx)
}
