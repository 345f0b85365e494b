package changestore

// Index is the set of identity triples already present in history.
type Index map[Key]struct{}

// Contains reports whether k is in the index.
func (idx Index) Contains(k Key) bool {
	_, ok := idx[k]
	return ok
}

// Diff returns the tracker records with at least one path whose triple is not
// in idx, in enumeration order. A record is selected as a whole, so a new copy
// of archived content is staged together with its representative.
func Diff(t *Tracker, idx Index) []*TrackerRecord {
	var changed []*TrackerRecord
	for _, rec := range t.Records() {
		for _, k := range rec.Keys() {
			if !idx.Contains(k) {
				changed = append(changed, rec)
				break
			}
		}
	}
	return changed
}

// SelectAll returns every tracker record, as a full backup does.
func SelectAll(t *Tracker) []*TrackerRecord {
	return t.Records()
}

// SelectedBytes sums the staged size of recs, aliases included.
func SelectedBytes(recs []*TrackerRecord) int64 {
	var n int64
	for _, r := range recs {
		n += r.TotalBytes()
	}
	return n
}
