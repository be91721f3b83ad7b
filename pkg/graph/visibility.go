package graph

import (
	"time"

	"aerogate/pkg/models"
)

// Canonical bi-temporal visibility predicates. All audit reads go through
// these; UI views are specializations. The SQL fragments and the Go forms must
// agree; the Go forms exist so pure logic and fakes filter identically.

// edgeVisibleSQL selects edges visible at (:event_time, :ingest_time),
// excluding rows superseded by a later row already ingested at :ingest_time.
const edgeVisibleSQL = `
	(e.event_time_start IS NULL OR e.event_time_start <= $1)
	AND (e.event_time_end IS NULL OR e.event_time_end > $1)
	AND e.ingested_at <= $2
	AND (e.valid_from IS NULL OR e.valid_from <= $1)
	AND (e.valid_to IS NULL OR e.valid_to > $1)
	AND e.status != 'RETRACTED'
	AND NOT EXISTS (
		SELECT 1 FROM edge newer
		WHERE newer.supersedes = e.id AND newer.ingested_at <= $2
	)`

const claimVisibleSQL = `
	(c.event_time_start IS NULL OR c.event_time_start <= $1)
	AND (c.event_time_end IS NULL OR c.event_time_end > $1)
	AND c.ingested_at <= $2
	AND c.status != 'RETRACTED'
	AND NOT EXISTS (
		SELECT 1 FROM claim newer
		WHERE newer.supersedes = c.id AND newer.ingested_at <= $2
	)`

// EdgeVisibleAt is the Go form of the canonical edge predicate. superseded
// holds ids of rows some other row (already ingested at ingestTime) supersedes.
func EdgeVisibleAt(e models.Edge, eventTime, ingestTime time.Time, superseded map[string]bool) bool {
	if e.EventTimeStart != nil && e.EventTimeStart.After(eventTime) {
		return false
	}
	if e.EventTimeEnd != nil && !e.EventTimeEnd.After(eventTime) {
		return false
	}
	if e.IngestedAt.After(ingestTime) {
		return false
	}
	if e.ValidFrom != nil && e.ValidFrom.After(eventTime) {
		return false
	}
	if e.ValidTo != nil && !e.ValidTo.After(eventTime) {
		return false
	}
	if e.Status == models.StatusRetracted {
		return false
	}
	if superseded != nil && superseded[e.ID.String()] {
		return false
	}
	return true
}

// ClaimVisibleAt is the Go form of the canonical claim predicate.
func ClaimVisibleAt(c models.Claim, eventTime, ingestTime time.Time, superseded map[string]bool) bool {
	if c.EventTimeStart != nil && c.EventTimeStart.After(eventTime) {
		return false
	}
	if c.EventTimeEnd != nil && !c.EventTimeEnd.After(eventTime) {
		return false
	}
	if c.IngestedAt.After(ingestTime) {
		return false
	}
	if c.Status == models.StatusRetracted {
		return false
	}
	if superseded != nil && superseded[c.ID.String()] {
		return false
	}
	return true
}

// SupersededSet builds the exclusion set for a row list: ids pointed at by a
// supersedes reference whose successor was ingested at or before ingestTime.
func SupersededSet[T any](rows []T, ingestedAt func(T) time.Time, supersedes func(T) string, ingestTime time.Time) map[string]bool {
	out := map[string]bool{}
	for _, r := range rows {
		target := supersedes(r)
		if target == "" {
			continue
		}
		if !ingestedAt(r).After(ingestTime) {
			out[target] = true
		}
	}
	return out
}
