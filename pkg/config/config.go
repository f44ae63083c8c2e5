// SPDX-License-Identifier: Apache-2.0

// Package config exposes typed getters for every recognized configuration
// option of spec.md §6, backed by viper the way the teacher's cmd/flags
// package backs pgroll's own flags: each option is bound once, from a
// flag/env/config-file value, and read through here rather than via
// viper.Get* scattered across the codebase.
package config

import "github.com/spf13/viper"

// Defaults for every recognized option (spec.md §6).
const (
	DefaultInvalidRecordsDetect    = true
	DefaultInvalidRecordsThreshold = 0
	DefaultMaxBatchRows            = 200_000
	DefaultMaxBatchSize            = 100 * 1024 * 1024
	DefaultBatchDetectionThreshold = 5000
	DefaultStateSupport            = true
	DefaultDisableCollection       = false
	DefaultPostgresSchema          = "public"
)

// InvalidRecordsDetect reports whether the invalid-record threshold is
// enforced at all.
func InvalidRecordsDetect() bool { return viper.GetBool("INVALID_RECORDS_DETECT") }

// InvalidRecordsThreshold is the number of schema-invalid records tolerated
// in a stream's buffer before InvalidRecordsDetect fails the batch.
func InvalidRecordsThreshold() int { return viper.GetInt("INVALID_RECORDS_THRESHOLD") }

// MaxBatchRows is the row-count ceiling for a stream's buffer.
func MaxBatchRows() int { return viper.GetInt("MAX_BATCH_ROWS") }

// MaxBatchSize is the memory-estimate byte ceiling for a stream's buffer.
func MaxBatchSize() int { return viper.GetInt("MAX_BATCH_SIZE") }

// BatchDetectionThreshold is how often, in ingested RECORD lines, the
// orchestrator probes for fullness the buffer of the stream that received
// the record; other streams' buffers are not probed at that point.
func BatchDetectionThreshold() int { return viper.GetInt("BATCH_DETECTION_THRESHOLD") }

// StateSupport reports whether STATE lines are deferred through the Stream
// Tracker and re-emitted, or simply dropped.
func StateSupport() bool { return viper.GetBool("STATE_SUPPORT") }

// DisableCollection reports whether anonymous usage reporting is suppressed.
func DisableCollection() bool { return viper.GetBool("DISABLE_COLLECTION") }

// PostgresSchema is the destination schema/namespace for every managed
// table.
func PostgresSchema() string { return viper.GetString("POSTGRES_SCHEMA") }

// PostgresURL is the connection string for the backing store.
func PostgresURL() string { return viper.GetString("PG_URL") }
