// Package cond implements the minimal AND-only condition language used by
// branch and assert nodes.
package cond

import (
	"fmt"
	"strings"
)

// Lookup resolves a variable name to its current value. ok is false when the
// variable is unbound.
type Lookup func(key string) (any, bool)

// Evaluate evaluates a condition against bound context variables.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key
//	Key           ::= Path | 'context.' Path
//	Operator      ::= '=' | '!='
//
// Missing keys resolve to empty string. Comparisons are exact string
// comparisons over fmt.Sprint of the bound value. A bare key is truthy when
// non-empty and not "false"/"0"/"no". The empty condition is true.
func Evaluate(condition string, lookup Lookup) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, lookup)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, lookup Lookup) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := resolveKey(strings.TrimSpace(parts[0]), lookup)
		return got != strings.TrimSpace(parts[1]), nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := resolveKey(strings.TrimSpace(parts[0]), lookup)
		return got == strings.TrimSpace(parts[1]), nil
	}
	// Bare key: truthy if non-empty and not "false"/"0" (best-effort).
	got := resolveKey(strings.TrimSpace(clause), lookup)
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func resolveKey(key string, lookup Lookup) string {
	if lookup == nil {
		return ""
	}
	if v, ok := lookup(key); ok && v != nil {
		return fmt.Sprint(v)
	}
	// Also try without "context." prefix for convenience.
	if short := strings.TrimPrefix(key, "context."); short != key {
		if v, ok := lookup(short); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
