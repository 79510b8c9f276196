package rules

import "fmt"

// DefinitionError reports a malformed or unrecognized rule definition.
// It is surfaced at segment-authoring time; evaluation assumes pre-validated
// trees and fails closed if validation was somehow bypassed.
type DefinitionError struct {
	// Path locates the offending node, e.g. "conditions[1].conditions[0]".
	Path string
	// Reason describes what is wrong with the node.
	Reason string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid rule definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule definition at %s: %s", e.Path, e.Reason)
}

func definitionErrorf(path, format string, args ...any) *DefinitionError {
	return &DefinitionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
