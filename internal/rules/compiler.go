package rules

import (
	"encoding/json"
	"fmt"
)

// Compile parses and validates a JSON rule tree, producing its typed compiled
// form. All authoring-time checks live here:
//
//   - branch operators must be AND or OR, with a non-empty condition list
//   - leaf fields must be recognized statistic fields
//   - leaf values must be comparable to the field's semantic type
//   - ordering operators (gt/gte/lt/lte) require numeric fields
//   - in/not_in require a non-empty array value
//   - nesting depth is bounded by MaxDepth
//
// Any violation returns a *DefinitionError; nothing is deferred to evaluation.
func Compile(raw json.RawMessage) (*Compiled, error) {
	if len(raw) == 0 {
		return nil, definitionErrorf("", "rule tree is required")
	}

	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, definitionErrorf("", "not a valid rule tree: %v", err)
	}

	return compileNode(&root, "", 0)
}

func compileNode(n *Node, path string, depth int) (*Compiled, error) {
	if depth > MaxDepth {
		return nil, definitionErrorf(path, "rule tree exceeds maximum depth of %d", MaxDepth)
	}

	isBranch := n.Operator != "" || n.Conditions != nil
	isLeaf := n.Field != "" || n.Op != "" || len(n.Value) > 0

	switch {
	case isBranch && isLeaf:
		return nil, definitionErrorf(path, "node cannot be both a branch and a leaf")
	case isBranch:
		return compileBranch(n, path, depth)
	case isLeaf:
		return compileLeaf(n, path)
	default:
		return nil, definitionErrorf(path, "node is empty")
	}
}

func compileBranch(n *Node, path string, depth int) (*Compiled, error) {
	if n.Operator != OperatorAnd && n.Operator != OperatorOr {
		return nil, definitionErrorf(path, "unsupported operator %q (want AND or OR)", n.Operator)
	}

	// Empty condition lists are rejected at authoring even though evaluation
	// has a defined convention for them (AND->true, OR->false): an empty
	// branch is always an authoring mistake.
	if len(n.Conditions) == 0 {
		return nil, definitionErrorf(path, "%s branch requires at least one condition", n.Operator)
	}

	children := make([]*Compiled, 0, len(n.Conditions))
	for i := range n.Conditions {
		childPath := fmt.Sprintf("%s.conditions[%d]", path, i)
		if path == "" {
			childPath = fmt.Sprintf("conditions[%d]", i)
		}

		child, err := compileNode(&n.Conditions[i], childPath, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return &Compiled{branch: &compiledBranch{
		and:      n.Operator == OperatorAnd,
		children: children,
	}}, nil
}

func compileLeaf(n *Node, path string) (*Compiled, error) {
	if n.Field == "" {
		return nil, definitionErrorf(path, "leaf condition requires a field")
	}

	kind, ok := fieldKinds[n.Field]
	if !ok {
		return nil, definitionErrorf(path, "unrecognized field %q", n.Field)
	}

	leaf := &compiledLeaf{field: n.Field, kind: kind, op: n.Op}

	switch n.Op {
	case OpGT, OpGTE, OpLT, OpLTE:
		if kind != KindNumber {
			return nil, definitionErrorf(path, "operator %q requires a numeric field, %q is not", n.Op, n.Field)
		}
		num, err := decodeNumber(n.Value)
		if err != nil {
			return nil, definitionErrorf(path, "operator %q requires a numeric value: %v", n.Op, err)
		}
		leaf.num = num

	case OpEQ, OpNEQ:
		if err := decodeScalar(leaf, n.Value); err != nil {
			return nil, definitionErrorf(path, "operator %q: %v", n.Op, err)
		}

	case OpIn, OpNotIn:
		if kind == KindBool {
			return nil, definitionErrorf(path, "operator %q is not applicable to boolean field %q", n.Op, n.Field)
		}
		if err := decodeSet(leaf, n.Value); err != nil {
			return nil, definitionErrorf(path, "operator %q: %v", n.Op, err)
		}

	case "":
		return nil, definitionErrorf(path, "leaf condition requires an op")

	default:
		return nil, definitionErrorf(path, "unsupported operator %q", n.Op)
	}

	return &Compiled{leaf: leaf}, nil
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, fmt.Errorf("value %s is not a number", string(raw))
	}
	return num, nil
}

// decodeScalar resolves an eq/neq literal against the field's kind.
func decodeScalar(leaf *compiledLeaf, raw json.RawMessage) error {
	switch leaf.kind {
	case KindNumber:
		num, err := decodeNumber(raw)
		if err != nil {
			return err
		}
		leaf.num = num
	case KindString:
		if err := json.Unmarshal(raw, &leaf.str); err != nil {
			return fmt.Errorf("field %q requires a string value", leaf.field)
		}
	case KindBool:
		if err := json.Unmarshal(raw, &leaf.b); err != nil {
			return fmt.Errorf("field %q requires a boolean value", leaf.field)
		}
	}
	return nil
}

// decodeSet resolves an in/not_in literal into a membership set matching the
// field's kind.
func decodeSet(leaf *compiledLeaf, raw json.RawMessage) error {
	switch leaf.kind {
	case KindString:
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("field %q requires an array of strings", leaf.field)
		}
		if len(values) == 0 {
			return fmt.Errorf("membership set cannot be empty")
		}
		leaf.set = make(map[string]struct{}, len(values))
		for _, v := range values {
			leaf.set[v] = struct{}{}
		}
	case KindNumber:
		var values []float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("field %q requires an array of numbers", leaf.field)
		}
		if len(values) == 0 {
			return fmt.Errorf("membership set cannot be empty")
		}
		leaf.nums = make(map[float64]struct{}, len(values))
		for _, v := range values {
			leaf.nums[v] = struct{}{}
		}
	}
	return nil
}
