// SPDX-License-Identifier: Apache-2.0

package upsert

import "fmt"

// NameCollisionError is decision-table rule 1 (spec.md §4.5): a raw column
// whose canonicalized or type-tagged name is already occupied by some other
// raw column's physical column.
type NameCollisionError struct {
	Table     string
	Raw       string
	Canonical string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("column %q of table %q collides with an existing column canonicalized to %q", e.Raw, e.Table, e.Canonical)
}

// KeyPropertiesChangedError fires when a stream's declared key properties no
// longer match the remote table's recorded key properties (spec.md §4.6
// step 4).
type KeyPropertiesChangedError struct {
	Table    string
	Remote   []string
	Declared []string
}

func (e *KeyPropertiesChangedError) Error() string {
	return fmt.Sprintf("table %q key properties changed from %v to %v", e.Table, e.Remote, e.Declared)
}

// UnknownDecisionError is decision-table rule 10: the catch-all the decision
// table is defined never to actually reach.
type UnknownDecisionError struct {
	Table string
	Raw   string
}

func (e *UnknownDecisionError) Error() string {
	return fmt.Sprintf("could not reconcile column %q of table %q against any decision-table rule", e.Raw, e.Table)
}
