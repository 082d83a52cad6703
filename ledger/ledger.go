// Package ledger maintains the per-tenant set of document numbers known to
// have been accepted by the remote accounting service. The ledger is the
// first deduplication layer of the upload engine: a document number present
// here is skipped without any remote call.
//
// The on-disk format is a JSON array of strings so operators can inspect
// and repair it with ordinary tools. Writes go through a temp file followed
// by an atomic rename; readers therefore never observe a half-written file.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Ledger is a persistent set of uploaded document numbers for one tenant.
// Writes are serialized per instance; reads tolerate a missing file.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// New returns a ledger backed by the JSON file at path. The file is not
// created until the first Add.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Load reads the full set of document numbers. A missing file yields an
// empty set.
func (l *Ledger) Load() (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Ledger) load() (map[string]bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", l.path, err)
	}

	var docs []string
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("ledger %s is corrupt: %w", l.path, err)
	}

	set := make(map[string]bool, len(docs))
	for _, doc := range docs {
		set[doc] = true
	}
	return set, nil
}

// Contains reports whether doc is present in the ledger.
func (l *Ledger) Contains(doc string) (bool, error) {
	set, err := l.Load()
	if err != nil {
		return false, err
	}
	return set[doc], nil
}

// Add records a single document number. No-op when already present.
func (l *Ledger) Add(doc string) error {
	return l.AddAll([]string{doc})
}

// AddAll records a batch of document numbers in one atomic write.
func (l *Ledger) AddAll(docs []string) error {
	if len(docs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.load()
	if err != nil {
		return err
	}

	changed := false
	for _, doc := range docs {
		if !set[doc] {
			set[doc] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.write(set)
}

// HealStale removes ledger entries absent from a freshly queried remote
// snapshot. Only entries in candidates are considered; entries outside the
// candidate set are left alone because the remote query was scoped and says
// nothing about them. Returns the removed document numbers.
func (l *Ledger) HealStale(candidates []string, foundRemote map[string]bool) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.load()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, doc := range candidates {
		if set[doc] && !foundRemote[doc] {
			delete(set, doc)
			removed = append(removed, doc)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	sort.Strings(removed)
	if err := l.write(set); err != nil {
		return nil, err
	}
	return removed, nil
}

// write persists the set with write-temp-then-rename.
func (l *Ledger) write(set map[string]bool) error {
	docs := make([]string, 0, len(set))
	for doc := range set {
		docs = append(docs, doc)
	}
	sort.Strings(docs)

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create ledger temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger %s: %w", l.path, err)
	}
	return nil
}
