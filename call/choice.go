//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// BranchKey is the DATA-chunk key under which a choice call reports the
// selected branch id.
const BranchKey = "branch"

// ErrNoBranchMatched reports that no branch condition held and no default
// branch exists. It is a flow configuration error, fatal to the run.
var ErrNoBranchMatched = errors.New("choice: no branch matched and no default branch defined")

// Operator compares a condition's left and right operands.
type Operator string

// Supported condition operators.
const (
	OpEqual          Operator = "EQUAL"
	OpNotEqual       Operator = "NOT_EQUAL"
	OpGreaterThan    Operator = "GREATER_THAN"
	OpLessThan       Operator = "LESS_THAN"
	OpGreaterOrEqual Operator = "GREATER_OR_EQUAL"
	OpLessOrEqual    Operator = "LESS_OR_EQUAL"
	OpContains       Operator = "CONTAINS"
	OpIsEmpty        Operator = "IS_EMPTY"
	OpNotEmpty       Operator = "NOT_EMPTY"
)

// Logic combines a branch's condition results.
type Logic string

// Supported condition combinators.
const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is one operand comparison within a branch.
type Condition struct {
	Left  any      `json:"left"`
	Op    Operator `json:"op"`
	Right any      `json:"right,omitempty"`
}

// Branch is one outgoing option of a choice call.
type Branch struct {
	ID         string      `json:"id"`
	IsDefault  bool        `json:"is_default,omitempty"`
	Logic      Logic       `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// choiceCall evaluates branch conditions and reports the selected branch id
// as a DATA chunk. Branches are evaluated in reverse declaration order and
// the first satisfied non-default branch wins; the default branch applies
// only when nothing matched.
type choiceCall struct {
	branches []Branch
}

func newChoice(_ Deps, params map[string]any) (Call, error) {
	raw, ok := params["branches"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("choice requires a non-empty branches parameter")
	}
	branches := make([]Branch, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("choice branch %d is not an object", i)
		}
		b := Branch{Logic: LogicAnd}
		if id, ok := m["id"].(string); ok && id != "" {
			b.ID = id
		} else {
			b.ID = strconv.Itoa(i)
		}
		if d, ok := m["is_default"].(bool); ok {
			b.IsDefault = d
		}
		if l, ok := m["logic"].(string); ok && Logic(l) == LogicOr {
			b.Logic = LogicOr
		}
		if conds, ok := m["conditions"].([]any); ok {
			for j, c := range conds {
				cm, ok := c.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("choice branch %d condition %d is not an object", i, j)
				}
				op, _ := cm["op"].(string)
				b.Conditions = append(b.Conditions, Condition{
					Left:  cm["left"],
					Op:    Operator(op),
					Right: cm["right"],
				})
			}
		}
		branches = append(branches, b)
	}
	return &choiceCall{branches: branches}, nil
}

// Declaration implements Call.
func (c *choiceCall) Declaration() *Declaration {
	return &Declaration{Name: IDChoice, Description: "select an outgoing branch by evaluating conditions"}
}

// Init resolves template-valued string operands against the vars and records
// the fully resolved branch set as the step input.
func (c *choiceCall) Init(_ context.Context, vars *Vars) (map[string]any, error) {
	resolved := make([]Branch, len(c.branches))
	copy(resolved, c.branches)
	for i := range resolved {
		conds := make([]Condition, len(resolved[i].Conditions))
		copy(conds, resolved[i].Conditions)
		for j := range conds {
			conds[j].Left = resolveOperand(conds[j].Left, vars)
			conds[j].Right = resolveOperand(conds[j].Right, vars)
		}
		resolved[i].Conditions = conds
	}
	c.branches = resolved
	return map[string]any{"branches": resolved}, nil
}

// Exec implements Call.
func (c *choiceCall) Exec(ctx context.Context, _ map[string]any) (<-chan Chunk, error) {
	var fallback *Branch
	for i := len(c.branches) - 1; i >= 0; i-- {
		b := c.branches[i]
		if b.IsDefault {
			fallback = &c.branches[i]
			continue
		}
		if b.satisfied() {
			ch := make(chan Chunk, 1)
			go emitAll(ctx, ch, Chunk{Type: ChunkTypeData, Data: map[string]any{BranchKey: b.ID}})
			return ch, nil
		}
	}
	if fallback != nil {
		ch := make(chan Chunk, 1)
		go emitAll(ctx, ch, Chunk{Type: ChunkTypeData, Data: map[string]any{BranchKey: fallback.ID}})
		return ch, nil
	}
	return nil, ErrNoBranchMatched
}

// satisfied combines the branch's condition results under its logic. A branch
// without conditions never matches on its own.
func (b Branch) satisfied() bool {
	if len(b.Conditions) == 0 {
		return false
	}
	for _, cond := range b.Conditions {
		ok := cond.holds()
		if b.Logic == LogicOr && ok {
			return true
		}
		if b.Logic != LogicOr && !ok {
			return false
		}
	}
	return b.Logic != LogicOr
}

// holds evaluates one condition.
func (c Condition) holds() bool {
	switch c.Op {
	case OpIsEmpty:
		return isEmpty(c.Left)
	case OpNotEmpty:
		return !isEmpty(c.Left)
	case OpEqual:
		return compareEqual(c.Left, c.Right)
	case OpNotEqual:
		return !compareEqual(c.Left, c.Right)
	case OpContains:
		return contains(c.Left, c.Right)
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		l, lok := toFloat(c.Left)
		r, rok := toFloat(c.Right)
		if !lok || !rok {
			ls, rs := fmt.Sprint(c.Left), fmt.Sprint(c.Right)
			return compareOrdered(strings.Compare(ls, rs), c.Op)
		}
		switch {
		case l > r:
			return compareOrdered(1, c.Op)
		case l < r:
			return compareOrdered(-1, c.Op)
		default:
			return compareOrdered(0, c.Op)
		}
	default:
		return false
	}
}

func compareOrdered(cmp int, op Operator) bool {
	switch op {
	case OpGreaterThan:
		return cmp > 0
	case OpLessThan:
		return cmp < 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLessOrEqual:
		return cmp <= 0
	default:
		return false
	}
}

func compareEqual(left, right any) bool {
	if l, lok := toFloat(left); lok {
		if r, rok := toFloat(right); rok {
			return l == r
		}
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

func contains(left, right any) bool {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, fmt.Sprint(right))
	case []any:
		for _, item := range l {
			if compareEqual(item, right) {
				return true
			}
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// resolveOperand renders string operands that contain template actions
// against the vars; everything else passes through untouched.
func resolveOperand(v any, vars *Vars) any {
	s, ok := v.(string)
	if !ok || !strings.Contains(s, "{{") {
		return v
	}
	tmpl, err := template.New("operand").Parse(s)
	if err != nil {
		return v
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return v
	}
	return buf.String()
}
