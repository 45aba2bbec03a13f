// Package blocklist reads and writes the moderation block-list CSV.
// Each row is (did, reason_type, reason). Rows whose first column does
// not look like a DID are ignored, so the file can carry comments or
// headers without breaking the parser.
package blocklist

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Moderation reason kinds from com.atproto.moderation.defs.
const (
	ReasonMisleading = "com.atproto.moderation.defs#reasonMisleading"
	ReasonRude       = "com.atproto.moderation.defs#reasonRude"
	ReasonSexual     = "com.atproto.moderation.defs#reasonSexual"
	ReasonSpam       = "com.atproto.moderation.defs#reasonSpam"
	ReasonViolation  = "com.atproto.moderation.defs#reasonViolation"
)

// removedPrefix is prepended to the reason of entries whose account no
// longer exists on the network.
const removedPrefix = "(account removed)"

var badReasonTypes = map[string]bool{
	ReasonMisleading: true,
	ReasonRude:       true,
	ReasonSexual:     true,
	ReasonSpam:       true,
	ReasonViolation:  true,
}

// Item is one block-list entry. Index preserves the source line order
// so that rewriting the file keeps entries where the curator put them.
type Item struct {
	Index      int
	DID        string
	ReasonType string
	Reason     string
}

// Merge folds another report for the same DID into this item. Reasons
// are comma-joined; when the incoming kind differs from the stored one
// it is annotated in parentheses before its reason text. The first
// non-empty reason type wins.
func (it *Item) Merge(reasonType, reason string) {
	if reason != "" {
		if it.Reason != "" {
			it.Reason += ","
		}
		if it.ReasonType != "" && reasonType != "" && reasonType != it.ReasonType {
			it.Reason += "(" + reasonType + ")"
		}
		it.Reason += reason
	}
	if it.ReasonType == "" {
		it.ReasonType = reasonType
	}
}

// List is the in-memory block list, keyed by DID.
type List struct {
	path       string
	items      map[string]*Item
	lastIndex  int
	defaultBad bool
}

// Load reads the block-list CSV at path. When defaultBad is true,
// entries with an empty reason type are treated as bad (the usual
// policy for hand-curated lists where most rows carry no annotation).
func Load(path string, defaultBad bool) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open block list: %w", err)
	}
	defer f.Close()

	l := &List{
		path:       path,
		items:      make(map[string]*Item),
		defaultBad: defaultBad,
	}
	if err := l.read(f); err != nil {
		return nil, fmt.Errorf("read block list %s: %w", path, err)
	}
	return l, nil
}

func (l *List) read(f io.Reader) error {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // tolerate 2- and 3-column rows

	for i := 0; ; i++ {
		row, err := r.Read()
		if err == io.EOF {
			l.lastIndex = i
			return nil
		}
		if err != nil {
			return err
		}
		l.lastIndex = i + 1
		if len(row) == 0 || !strings.HasPrefix(row[0], "did:") {
			continue
		}
		var reasonType, reason string
		if len(row) == 3 {
			reasonType = row[1]
			reason = row[2]
		} else {
			var parts []string
			for _, s := range row[1:] {
				if s != "" {
					parts = append(parts, s)
				}
			}
			reason = strings.Join(parts, ",")
		}
		if prev, ok := l.items[row[0]]; ok {
			slog.Info("merging duplicate block-list entry", "did", row[0])
			prev.Merge(reasonType, reason)
			continue
		}
		l.items[row[0]] = &Item{
			Index:      i,
			DID:        row[0],
			ReasonType: reasonType,
			Reason:     reason,
		}
	}
}

// Write serializes the list back to its source path as 3-column rows,
// ordered by each entry's original index.
func (l *List) Write() error {
	f, err := os.Create(l.path)
	if err != nil {
		return fmt.Errorf("write block list: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, item := range l.sorted() {
		if err := w.Write([]string{item.DID, item.ReasonType, item.Reason}); err != nil {
			return fmt.Errorf("write block list row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// Add records a new report for did, merging with an existing entry if
// one is present.
func (l *List) Add(did, reasonType, reason string) {
	if item, ok := l.items[did]; ok {
		item.Merge(reasonType, reason)
		return
	}
	l.items[did] = &Item{
		Index:      l.lastIndex,
		DID:        did,
		ReasonType: reasonType,
		Reason:     reason,
	}
	l.lastIndex++
}

// MarkRemoved annotates the entry for did as belonging to a deleted
// account, keeping whatever reason text was already there. Repeated
// calls do not stack prefixes.
func (l *List) MarkRemoved(did string) bool {
	item, ok := l.items[did]
	if !ok {
		return false
	}
	if strings.HasPrefix(item.Reason, removedPrefix) {
		return false
	}
	item.Reason = removedPrefix + item.Reason
	return true
}

// BadDIDs returns the DIDs whose reason type is one of the moderation
// reason kinds, plus unannotated entries when the default-bad policy
// is on.
func (l *List) BadDIDs() map[string]bool {
	bad := make(map[string]bool)
	for did, item := range l.items {
		if badReasonTypes[item.ReasonType] || (l.defaultBad && item.ReasonType == "") {
			bad[did] = true
		}
	}
	return bad
}

// Get returns the entry for did, if present.
func (l *List) Get(did string) (*Item, bool) {
	item, ok := l.items[did]
	return item, ok
}

// Len returns the number of distinct entries.
func (l *List) Len() int {
	return len(l.items)
}

func (l *List) sorted() []*Item {
	items := make([]*Item, 0, len(l.items))
	for _, item := range l.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return items
}
