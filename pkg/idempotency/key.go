// Package idempotency derives deterministic identifiers for dose events and
// sweep markers. Deterministic ids are the engine's primary correctness
// mechanism: two racing sweeps that detect the same missed dose derive the
// same event id, so the second append is a conflict no-op instead of a
// duplicate.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// ScheduledEventID derives the id for a dose_scheduled event from its
// command and scheduled time. Re-materializing the same window reproduces
// the same ids.
func ScheduledEventID(commandID string, scheduledFor time.Time) string {
	return hash("scheduled", commandID, scheduledFor.UTC().Format(time.RFC3339))
}

// TerminalEventID derives the id for the single terminal event of a dose.
// Taken, missed and skipped share one id per (commandID, scheduledFor,
// attempt), which enforces the at-most-one-terminal invariant at the store
// layer. attempt is the number of compensating undos already applied to the
// dose; it keeps the id deterministic while allowing a re-take after an undo.
func TerminalEventID(commandID string, scheduledFor time.Time, attempt int) string {
	return hash("terminal", commandID, scheduledFor.UTC().Format(time.RFC3339), strconv.Itoa(attempt))
}

// MarkerKey derives the per-(patient, local date) rollover marker key.
func MarkerKey(patientID string, localDate string) string {
	return hash("rollover", patientID, localDate)
}

func hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
