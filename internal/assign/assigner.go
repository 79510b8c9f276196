// Package assign implements deterministic variant bucketing for experiments.
//
// It uses consistent hashing (Murmur3) so the same user always lands in the
// same variant for a specific experiment (stickiness), across process
// restarts and across nodes. Changing variant weights or the variant list may
// reassign some users on next resolution; that is accepted behavior.
package assign

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Variant is one treatment arm of an experiment: a weight (probability share
// out of 100) and the banner pool it contributes when assigned.
type Variant struct {
	Name    string  `json:"name"`
	Weight  uint    `json:"weight"`
	Banners []int64 `json:"banners,omitempty"`
}

// InputError reports invalid variant configuration. It is surfaced at
// experiment-authoring time; assignment assumes pre-validated variants.
type InputError struct {
	Reason string
}

// Error implements the error interface.
func (e *InputError) Error() string {
	return "invalid variant configuration: " + e.Reason
}

// ValidateVariants enforces the authoring contract: a non-empty ordered list
// of uniquely named variants with strictly positive weights summing to
// exactly 100.
func ValidateVariants(variants []Variant) error {
	if len(variants) == 0 {
		return &InputError{Reason: "at least one variant is required"}
	}

	seen := make(map[string]struct{}, len(variants))
	var total uint

	for i, v := range variants {
		if v.Name == "" {
			return &InputError{Reason: fmt.Sprintf("variant %d has no name", i)}
		}
		if _, dup := seen[v.Name]; dup {
			return &InputError{Reason: fmt.Sprintf("duplicate variant name %q", v.Name)}
		}
		seen[v.Name] = struct{}{}

		if v.Weight == 0 {
			return &InputError{Reason: fmt.Sprintf("variant %q weight must be strictly positive", v.Name)}
		}
		total += v.Weight
	}

	if total != 100 {
		return &InputError{Reason: fmt.Sprintf("variant weights must sum to 100, got %d", total)}
	}

	return nil
}

// Assign deterministically maps (userID, experimentID) to a variant name.
//
// The composite hash key ensures statistical independence between
// experiments: a user in the "lucky 20%" of one experiment is not necessarily
// in the lucky bucket of another. The bucket is the 32-bit Murmur3 hash
// reduced mod 100; walking the variant list in declared order, the first
// variant whose cumulative weight exceeds the bucket wins.
//
// Variants must have been validated with ValidateVariants; with weights
// summing to 100 the walk always selects a variant.
func Assign(userID, experimentID string, variants []Variant) string {
	if len(variants) == 0 {
		return ""
	}

	hashKey := fmt.Sprintf("%s:%s", userID, experimentID)

	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(hashKey)) // Write never returns an error
	bucket := hasher.Sum32() % 100

	var cumulative uint32
	for _, v := range variants {
		cumulative += uint32(v.Weight)
		if bucket < cumulative {
			return v.Name
		}
	}

	// Unreachable for validated variants; fall back to the last declared
	// variant rather than returning nothing.
	return variants[len(variants)-1].Name
}
