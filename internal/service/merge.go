package service

import "github.com/timmy/scadarchive/internal/domain"

// MergeResult is the next snapshot of a partition and how it differs from
// the previous one.
type MergeResult struct {
	Records   []domain.Record
	Inserted  int
	Updated   int
	Deleted   int
	Unchanged int
}

func (m MergeResult) apply(out *domain.ReconciliationOutcome) {
	out.Inserted = m.Inserted
	out.Updated = m.Updated
	out.Deleted = m.Deleted
	out.Unchanged = m.Unchanged
}

// Merge is the three-way merge of the local snapshot (live rows and
// tombstones) with a remote extraction:
//   - local only, live: marked deleted
//   - local only, tombstone: kept as is
//   - remote only: inserted
//   - both: remote values win; remote presence clears a tombstone
func Merge(local, remote []domain.Record) MergeResult {
	var res MergeResult
	remoteByKey := make(map[string]domain.Record, len(remote))
	for _, r := range remote {
		remoteByKey[r.Key] = r
	}

	res.Records = make([]domain.Record, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local))
	for _, l := range local {
		seen[l.Key] = struct{}{}
		rem, ok := remoteByKey[l.Key]
		switch {
		case !ok && l.Deleted:
			res.Unchanged++
			res.Records = append(res.Records, l)
		case !ok:
			tomb := l.Clone()
			tomb.Deleted = true
			res.Deleted++
			res.Records = append(res.Records, tomb)
		case l.Deleted || !l.SameValues(rem):
			res.Updated++
			res.Records = append(res.Records, live(rem))
		default:
			res.Unchanged++
			res.Records = append(res.Records, l)
		}
	}
	for _, r := range remote {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		res.Inserted++
		res.Records = append(res.Records, live(r))
	}
	return res
}

// Overwrite replaces the local snapshot with the remote extraction. Deleted
// counts every local row that disappears, tombstones included.
func Overwrite(local, remote []domain.Record) MergeResult {
	var res MergeResult
	localByKey := make(map[string]domain.Record, len(local))
	for _, l := range local {
		localByKey[l.Key] = l
	}

	res.Records = make([]domain.Record, 0, len(remote))
	kept := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		kept[r.Key] = struct{}{}
		l, ok := localByKey[r.Key]
		switch {
		case !ok:
			res.Inserted++
		case l.Deleted || !l.SameValues(r):
			res.Updated++
		default:
			res.Unchanged++
		}
		res.Records = append(res.Records, live(r))
	}
	for _, l := range local {
		if _, ok := kept[l.Key]; !ok {
			res.Deleted++
		}
	}
	return res
}

func live(r domain.Record) domain.Record {
	out := r.Clone()
	out.Deleted = false
	return out
}
