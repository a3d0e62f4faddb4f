// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/nhs-aki/aki-pipeline/internal/features"
)

// node is a compiled tree node: either an internal split with a compiled
// boolean expr program, or a leaf with a fixed label.
type node struct {
	expr     *vm.Program
	positive *node
	negative *node
	label    Label
	isLeaf   bool
}

// Model is a loaded, compiled decision tree. Safe for concurrent use;
// evaluation only reads the compiled programs.
type Model struct {
	root *node
}

// compileNode recursively compiles a rawNode tree into its vm.Program
// form. The feature field is unused at evaluation time since expr
// resolves identifiers straight out of the env struct built from the
// feature vector; it is kept in the schema purely as documentation
// of which column a split inspects.
func compileNode(raw *rawNode) (*node, error) {
	if raw.Label != "" {
		label := Label(raw.Label)
		if label != Positive && label != Negative {
			return nil, fmt.Errorf("classifier: leaf has unknown label %q", raw.Label)
		}
		return &node{label: label, isLeaf: true}, nil
	}

	if raw.Positive == nil || raw.Negative == nil {
		return nil, fmt.Errorf("classifier: split node %q missing a branch", raw.Feature)
	}

	program, err := expr.Compile(raw.Expr, expr.Env(env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("classifier: compile expr %q: %w", raw.Expr, err)
	}

	pos, err := compileNode(raw.Positive)
	if err != nil {
		return nil, err
	}
	neg, err := compileNode(raw.Negative)
	if err != nil {
		return nil, err
	}

	return &node{expr: program, positive: pos, negative: neg}, nil
}

// env is the expr evaluation environment: the feature vector's columns,
// named and ordered exactly as the training pipeline emitted them.
type env struct {
	Age             int
	SexEncoded      int
	C1              float64
	RV1             float64
	RV1Ratio        float64
	RV2             float64
	RV2Ratio        float64
	ChangeWithin48h bool
	D               float64
}

func toEnv(v features.Vector) env {
	return env{
		Age:             v.Age,
		SexEncoded:      v.SexEncoded,
		C1:              v.C1,
		RV1:             v.RV1,
		RV1Ratio:        v.RV1Ratio,
		RV2:             v.RV2,
		RV2Ratio:        v.RV2Ratio,
		ChangeWithin48h: v.ChangeWithin48h,
		D:               v.D,
	}
}

// Predict evaluates v against the compiled tree and returns its label.
func (m *Model) Predict(v features.Vector) (Label, error) {
	e := toEnv(v)
	n := m.root
	for !n.isLeaf {
		out, err := expr.Run(n.expr, e)
		if err != nil {
			return "", fmt.Errorf("classifier: evaluate split: %w", err)
		}
		if out.(bool) {
			n = n.positive
		} else {
			n = n.negative
		}
	}
	return n.label, nil
}
