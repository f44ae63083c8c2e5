// SPDX-License-Identifier: Apache-2.0

package testutils

const (
	CheckViolationErrorCode       string = "check_violation"
	FKViolationErrorCode          string = "foreign_key_violation"
	NotNullViolationErrorCode     string = "not_null_violation"
	UniqueViolationErrorCode      string = "unique_violation"
	SerializationFailureErrorCode string = "serialization_failure"
	LockNotAvailableErrorCode     string = "lock_not_available"
)
