package realtime

// VersionConflict describes one operation that lost the optimistic-lock
// check. NotFound distinguishes "someone deleted it" from "someone else
// edited it"; CurrentVersion carries the authoritative version so the client
// can re-fetch and retry.
type VersionConflict struct {
	Operation      Operation
	Index          int
	NotFound       bool
	CurrentVersion int64
}

// AcceptedOperation is an operation that passed the version check, tagged
// with its position in the input batch.
type AcceptedOperation struct {
	Operation Operation
	Index     int
}

// ConflictReport partitions a batch into accepted and conflicted operations.
// Conflicts are data, never errors: write handling applies the accepted
// subset of a mixed batch while reporting conflicts individually.
type ConflictReport struct {
	Accepted  []AcceptedOperation
	Conflicts []VersionConflict
}

// CheckVersionConflicts classifies each operation against the current
// persisted state. A missing record is accepted when the operation carries
// version 0 (an optimistic create) and reported as not found otherwise.
//
// Operations are checked in order against a working view of the versions, so
// two operations in one batch targeting the same record see each other:
// after the first is accepted, the second must carry the bumped version.
func CheckVersionConflicts(records map[RecordKey]Record, ops []Operation) ConflictReport {
	versions := make(map[RecordKey]int64, len(records))
	exists := make(map[RecordKey]bool, len(records))
	for key, record := range records {
		versions[key] = record.Version
		exists[key] = true
	}

	var report ConflictReport
	for i, op := range ops {
		key := RecordKey{Table: op.Table, ID: op.ID}
		if !exists[key] {
			if op.Version == 0 {
				report.Accepted = append(report.Accepted, AcceptedOperation{Operation: op, Index: i})
				exists[key] = true
				versions[key] = 1
				continue
			}
			report.Conflicts = append(report.Conflicts, VersionConflict{Operation: op, Index: i, NotFound: true})
			continue
		}
		current := versions[key]
		if op.Version != current {
			report.Conflicts = append(report.Conflicts, VersionConflict{Operation: op, Index: i, CurrentVersion: current})
			continue
		}
		report.Accepted = append(report.Accepted, AcceptedOperation{Operation: op, Index: i})
		versions[key] = current + 1
	}
	return report
}
