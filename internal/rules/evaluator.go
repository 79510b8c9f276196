package rules

// Evaluate walks a compiled rule tree against a statistics snapshot and
// returns the membership decision. It is pure and total: for any compiled
// tree it returns a boolean and never errors.
//
// Absent optional statistics make a leaf evaluate to false regardless of
// operator, so a dormancy-style rule (seconds_since_last_order gt N) never
// matches a brand-new user. Anything unexpected fails closed (unmatched).
func Evaluate(c *Compiled, stats Stats) bool {
	if c == nil || stats == nil {
		return false
	}

	if c.branch != nil {
		return evalBranch(c.branch, stats)
	}
	if c.leaf != nil {
		return evalLeaf(c.leaf, stats)
	}
	return false
}

func evalBranch(b *compiledBranch, stats Stats) bool {
	// By convention AND over no children is true and OR over no children is
	// false; authoring rejects empty branches, so this only matters if
	// validation was bypassed.
	if b.and {
		for _, child := range b.children {
			if !Evaluate(child, stats) {
				return false
			}
		}
		return true
	}

	for _, child := range b.children {
		if Evaluate(child, stats) {
			return true
		}
	}
	return false
}

func evalLeaf(l *compiledLeaf, stats Stats) bool {
	switch l.kind {
	case KindNumber:
		v, ok := stats.Number(l.field)
		if !ok {
			return false
		}
		return compareNumber(l, v)

	case KindString:
		v, ok := stats.String(l.field)
		if !ok {
			return false
		}
		return compareString(l, v)

	case KindBool:
		v, ok := stats.Bool(l.field)
		if !ok {
			return false
		}
		switch l.op {
		case OpEQ:
			return v == l.b
		case OpNEQ:
			return v != l.b
		}
	}
	return false
}

func compareNumber(l *compiledLeaf, v float64) bool {
	switch l.op {
	case OpGT:
		return v > l.num
	case OpGTE:
		return v >= l.num
	case OpLT:
		return v < l.num
	case OpLTE:
		return v <= l.num
	case OpEQ:
		return v == l.num
	case OpNEQ:
		return v != l.num
	case OpIn:
		_, found := l.nums[v]
		return found
	case OpNotIn:
		_, found := l.nums[v]
		return !found
	}
	return false
}

func compareString(l *compiledLeaf, v string) bool {
	switch l.op {
	case OpEQ:
		return v == l.str
	case OpNEQ:
		return v != l.str
	case OpIn:
		_, found := l.set[v]
		return found
	case OpNotIn:
		_, found := l.set[v]
		return !found
	}
	return false
}
