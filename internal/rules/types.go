// Package rules provides the segment rule engine. A rule is a finite boolean
// tree: branch nodes combine children with AND/OR, leaf nodes compare a single
// user statistic against a literal value.
//
// Trees are compiled once at segment-authoring time (see Compile), which
// resolves field names and value types into a closed tagged-variant form.
// Evaluation then never re-parses or duck-types, and is pure and total over
// compiled trees.
package rules

import "encoding/json"

// Comparison operators supported by leaf conditions.
const (
	OpGT    = "gt"
	OpGTE   = "gte"
	OpLT    = "lt"
	OpLTE   = "lte"
	OpEQ    = "eq"
	OpNEQ   = "neq"
	OpIn    = "in"
	OpNotIn = "not_in"
)

// Branch operators.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// MaxDepth bounds rule tree nesting. Deeper trees are rejected at authoring;
// legitimate segment definitions are far shallower.
const MaxDepth = 8

// Node is the JSON wire/storage form of a rule tree node. A node is either a
// branch (Operator + Conditions set) or a leaf (Field + Op + Value set), never
// both. This struct mirrors the JSONB 'rules' column on segments.
type Node struct {
	// Branch fields
	Operator   string `json:"operator,omitempty"`
	Conditions []Node `json:"conditions,omitempty"`

	// Leaf fields
	Field string          `json:"field,omitempty"`
	Op    string          `json:"op,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// FieldKind is the semantic type of a statistic field.
type FieldKind int

const (
	KindNumber FieldKind = iota
	KindString
	KindBool
)

// Stats is the read-side contract the evaluator uses to look up user
// statistics. The second return reports presence: optional statistics
// (seconds_since_last_order, city for users with no orders) are absent, and
// absent values make ordering comparisons evaluate to false.
type Stats interface {
	// Number returns the numeric statistic for field, if present.
	Number(field string) (float64, bool)
	// String returns the string statistic for field, if present.
	String(field string) (string, bool)
	// Bool returns the boolean statistic for field, if present.
	Bool(field string) (bool, bool)
}

// Recognized statistic fields. Leaf conditions may reference only these.
const (
	FieldTotalOrders           = "total_orders"
	FieldOrderCountLast12Days  = "order_count_last_12_days"
	FieldOrderCountLast15Days  = "order_count_last_15_days"
	FieldOrderCountLast23Days  = "order_count_last_23_days"
	FieldLTV                   = "ltv"
	FieldSecondsSinceLastOrder = "seconds_since_last_order"
	FieldCity                  = "city"
	FieldIsNewUser             = "is_new_user"
)

// fieldKinds maps every recognized field to its semantic type.
var fieldKinds = map[string]FieldKind{
	FieldTotalOrders:           KindNumber,
	FieldOrderCountLast12Days:  KindNumber,
	FieldOrderCountLast15Days:  KindNumber,
	FieldOrderCountLast23Days:  KindNumber,
	FieldLTV:                   KindNumber,
	FieldSecondsSinceLastOrder: KindNumber,
	FieldCity:                  KindString,
	FieldIsNewUser:             KindBool,
}

// Compiled is a validated, typed rule tree ready for evaluation.
// Exactly one of branch/leaf is set.
type Compiled struct {
	branch *compiledBranch
	leaf   *compiledLeaf
}

type compiledBranch struct {
	and      bool // true = AND, false = OR
	children []*Compiled
}

// compiledLeaf holds a leaf condition with its value resolved into the
// tagged-variant form matching the field's kind.
type compiledLeaf struct {
	field string
	kind  FieldKind
	op    string

	num  float64
	str  string
	b    bool
	set  map[string]struct{} // for in/not_in over string fields
	nums map[float64]struct{} // for in/not_in over numeric fields
}
