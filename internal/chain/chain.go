// Package chain reconstructs restorable backup chains from a remote listing.
//
// Nothing about a backup is persisted besides the object itself, so the
// record type and timestamp are recovered from the object name:
//
//	<dataset>@<prefix><YYYY-MM-DD_HH-MM-SS>-{full|incremental}.<ext>
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/zfs-backup-utility/internal/snapshot"
	"github.com/rowjay/zfs-backup-utility/internal/storage"
)

var (
	// ErrForeign marks objects that belong to another dataset or prefix.
	ErrForeign      = errors.New("object does not belong to this dataset")
	ErrUnknownType  = errors.New("unknown backup type")
	ErrBadTimestamp = errors.New("unparseable snapshot timestamp")
)

type Type string

const (
	Full        Type = "full"
	Incremental Type = "incremental"
)

// Record is one backup object recovered from its name.
type Record struct {
	Path      string
	Snapshot  string
	Timestamp time.Time
	Type      Type
	Extension string
	Size      int64
}

// ObjectKey names the object holding the stream of snapshot.
func ObjectKey(snapshotName string, typ Type, ext string) string {
	key := snapshotName + "-" + string(typ)
	if ext != "" {
		key += "." + ext
	}
	return key
}

// Chain is one full backup and the incrementals that apply on top of it, oldest first.
type Chain struct {
	Full         *Record
	Incrementals []Record
	// Duplicates holds timestamps shared by more than one parsed record.
	Duplicates []time.Time
}

func (c Chain) Empty() bool { return c.Full == nil }

// Records returns the chain in replay order.
func (c Chain) Records() []Record {
	if c.Full == nil {
		return nil
	}
	out := make([]Record, 0, 1+len(c.Incrementals))
	out = append(out, *c.Full)
	return append(out, c.Incrementals...)
}

func (c Chain) TotalSize() int64 {
	var total int64
	for _, r := range c.Records() {
		total += r.Size
	}
	return total
}

type Resolver struct {
	Dataset string
	Prefix  string
	Log     zerolog.Logger
}

func NewResolver(dataset, prefix string, log zerolog.Logger) *Resolver {
	return &Resolver{Dataset: dataset, Prefix: prefix, Log: log}
}

// ListPrefix is the storage prefix that covers every backup of the dataset.
func (r *Resolver) ListPrefix() string {
	return snapshot.SelectorPrefix(r.Dataset, r.Prefix)
}

// ParseRecord recovers a record from an object path.
func (r *Resolver) ParseRecord(path string, size int64) (Record, error) {
	selector := r.ListPrefix()
	if !strings.HasPrefix(path, selector) {
		return Record{}, ErrForeign
	}
	cut := strings.LastIndex(path, "-")
	if cut < len(selector) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownType, path)
	}
	snapshotName, suffix := path[:cut], path[cut+1:]
	typ, ext, _ := strings.Cut(suffix, ".")
	switch Type(typ) {
	case Full, Incremental:
	default:
		return Record{}, fmt.Errorf("%w %q in %s", ErrUnknownType, typ, path)
	}
	ts, err := snapshot.ParseTimestamp(strings.TrimPrefix(snapshotName, selector))
	if err != nil {
		return Record{}, fmt.Errorf("%w in %s: %v", ErrBadTimestamp, path, err)
	}
	return Record{
		Path:      path,
		Snapshot:  snapshotName,
		Timestamp: ts,
		Type:      Type(typ),
		Extension: ext,
		Size:      size,
	}, nil
}

// Records parses every object that belongs to the dataset, ascending by timestamp.
// Malformed names are skipped with a warning.
func (r *Resolver) Records(objs []storage.ObjectInfo) []Record {
	records := make([]Record, 0, len(objs))
	for _, obj := range objs {
		rec, err := r.ParseRecord(obj.Key, obj.Size)
		if err != nil {
			if !errors.Is(err, ErrForeign) {
				r.Log.Warn().Err(err).Str("object", obj.Key).Msg("skipping unrecognised backup object")
			}
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records
}

// Resolve picks the newest full backup and every incremental taken after it.
// Anything older than the chosen full is unreachable and ignored.
func (r *Resolver) Resolve(objs []storage.ObjectInfo) Chain {
	records := r.Records(objs)

	var c Chain
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.Equal(records[i-1].Timestamp) {
			if n := len(c.Duplicates); n == 0 || !c.Duplicates[n-1].Equal(records[i].Timestamp) {
				c.Duplicates = append(c.Duplicates, records[i].Timestamp)
			}
		}
	}
	for _, ts := range c.Duplicates {
		r.Log.Warn().Str("timestamp", snapshot.FormatTimestamp(ts)).Msg("multiple backup objects share a timestamp")
	}

	fullIdx := -1
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type == Full {
			fullIdx = i
			break
		}
	}
	if fullIdx < 0 {
		return c
	}
	full := records[fullIdx]
	c.Full = &full
	for _, rec := range records[fullIdx+1:] {
		if rec.Type == Incremental && rec.Timestamp.After(full.Timestamp) {
			c.Incrementals = append(c.Incrementals, rec)
		}
	}
	return c
}
