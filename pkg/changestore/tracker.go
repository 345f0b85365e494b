// Package changestore decides which files changed since the last backup.
//
// A run hashes every candidate into an in-memory Tracker. The durable History
// lists the (hash, mtime, size) triple of every file that went into a kept
// archive. A file is changed when its triple is absent from the history; the
// path plays no part, so a renamed but otherwise untouched file is unchanged.
package changestore

import (
	"sort"
	"strconv"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/sharded"
)

// Key is the identity of a file's content at a point in time.
type Key struct {
	Hash    string
	ModTime string
	Size    string
}

// KeyOf builds the identity triple. ModTime is stored as Unix nanoseconds so
// it survives a round trip through the TEXT columns unchanged.
func KeyOf(hash string, modTime time.Time, size int64) Key {
	return Key{
		Hash:    hash,
		ModTime: strconv.FormatInt(modTime.UnixNano(), 10),
		Size:    strconv.FormatInt(size, 10),
	}
}

// Alias is a further path whose content hashed identically to the record it
// belongs to. Aliases are staged with their record and their own triple goes
// to history, since a copy usually carries a different mtime.
type Alias struct {
	Drive   string
	Path    string
	RelPath string
	ModTime time.Time
	Size    int64
}

// TrackerRecord is one hashed file of the current run.
type TrackerRecord struct {
	Drive   string
	Path    string // absolute path inside the snapshot view
	RelPath string // slash-separated, relative to the drive root
	Hash    string
	ModTime time.Time
	Size    int64

	// Order is the enumeration position; the lowest order wins a hash.
	Order   int
	Aliases []Alias
}

// Key returns the record's identity triple.
func (r *TrackerRecord) Key() Key {
	return KeyOf(r.Hash, r.ModTime, r.Size)
}

// Keys returns the triple of the record followed by those of its aliases.
// Triples shared by several paths appear once.
func (r *TrackerRecord) Keys() []Key {
	keys := []Key{r.Key()}
	seen := map[Key]struct{}{keys[0]: {}}
	for _, a := range r.Aliases {
		k := KeyOf(r.Hash, a.ModTime, a.Size)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// TotalBytes is the number of bytes staging this record writes, aliases included.
func (r *TrackerRecord) TotalBytes() int64 {
	n := r.Size
	for _, a := range r.Aliases {
		n += a.Size
	}
	return n
}

// Tracker holds one record per distinct hash. It is safe for concurrent Add calls.
type Tracker struct {
	records *sharded.Map[*TrackerRecord]
}

func NewTracker() *Tracker {
	return &Tracker{records: sharded.NewMap[*TrackerRecord](sharded.DefaultShards)}
}

// Add inserts rec, or folds it into the existing record for the same hash. The
// record with the lower Order stays the representative; the other becomes an alias.
// It reports whether the hash was already tracked.
func (t *Tracker) Add(rec *TrackerRecord) (duplicate bool) {
	t.records.Compute(rec.Hash, func(cur *TrackerRecord, present bool) *TrackerRecord {
		if !present {
			return rec
		}
		duplicate = true
		if rec.Order < cur.Order {
			rec.Aliases = append(rec.Aliases, cur.asAlias())
			rec.Aliases = append(rec.Aliases, cur.Aliases...)
			cur.Aliases = nil
			return rec
		}
		cur.Aliases = append(cur.Aliases, rec.asAlias())
		return cur
	})
	return duplicate
}

func (r *TrackerRecord) asAlias() Alias {
	return Alias{Drive: r.Drive, Path: r.Path, RelPath: r.RelPath, ModTime: r.ModTime, Size: r.Size}
}

// Len returns the number of distinct hashes tracked.
func (t *Tracker) Len() int {
	return t.records.Len()
}

// Get returns the record for hash.
func (t *Tracker) Get(hash string) (*TrackerRecord, bool) {
	return t.records.Load(hash)
}

// Records returns all records in enumeration order.
func (t *Tracker) Records() []*TrackerRecord {
	recs := t.records.Values()
	sortByOrder(recs)
	return recs
}

func sortByOrder(recs []*TrackerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Order < recs[j].Order })
}
