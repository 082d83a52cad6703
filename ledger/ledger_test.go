package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "demo_cafe", "uploaded_docnumbers.json"))
}

// TestLedger_MissingFileIsEmpty tests that a missing file yields an empty set
func TestLedger_MissingFileIsEmpty(t *testing.T) {
	l := newTestLedger(t)

	set, err := l.Load()
	require.NoError(t, err)
	assert.Empty(t, set)

	ok, err := l.Contains("SR-20251227-CASH-001")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLedger_AddAndContains tests the basic add/lookup cycle
func TestLedger_AddAndContains(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Add("SR-20251227-CASH-001"))
	require.NoError(t, l.AddAll([]string{"SR-20251227-CARD-001", "SR-20251227-CASH-001"}))

	set, err := l.Load()
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.True(t, set["SR-20251227-CASH-001"])
	assert.True(t, set["SR-20251227-CARD-001"])

	// Re-adding is a no-op
	require.NoError(t, l.Add("SR-20251227-CASH-001"))
	set, err = l.Load()
	require.NoError(t, err)
	assert.Len(t, set, 2)
}

// TestLedger_FileFormat tests the operator-readable on-disk format
func TestLedger_FileFormat(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.AddAll([]string{"SR-B", "SR-A"}))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	var docs []string
	require.NoError(t, json.Unmarshal(data, &docs))
	assert.Equal(t, []string{"SR-A", "SR-B"}, docs, "entries are sorted for stable diffs")
}

// TestLedger_HealStale tests removal of entries absent from the remote
func TestLedger_HealStale(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.AddAll([]string{"SR-1", "SR-2", "SR-3", "SR-OTHERDATE"}))

	candidates := []string{"SR-1", "SR-2", "SR-3"}
	foundRemote := map[string]bool{"SR-1": true, "SR-3": true}

	removed, err := l.HealStale(candidates, foundRemote)
	require.NoError(t, err)
	assert.Equal(t, []string{"SR-2"}, removed)

	set, err := l.Load()
	require.NoError(t, err)
	assert.False(t, set["SR-2"])
	assert.True(t, set["SR-1"])
	assert.True(t, set["SR-OTHERDATE"], "entries outside the candidate scope are untouched")
}

// TestLedger_HealStale_NoChanges tests the no-op path
func TestLedger_HealStale_NoChanges(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Add("SR-1"))

	removed, err := l.HealStale([]string{"SR-1"}, map[string]bool{"SR-1": true})
	require.NoError(t, err)
	assert.Nil(t, removed)
}

// TestLedger_CorruptFile tests that corruption is surfaced, not swallowed
func TestLedger_CorruptFile(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("{not json"), 0o644))

	_, err := l.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

// TestLedger_ConcurrentAdds tests that concurrent writers do not lose entries
func TestLedger_ConcurrentAdds(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	docs := []string{"SR-1", "SR-2", "SR-3", "SR-4", "SR-5", "SR-6", "SR-7", "SR-8"}
	for _, doc := range docs {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			assert.NoError(t, l.Add(d))
		}(doc)
	}
	wg.Wait()

	set, err := l.Load()
	require.NoError(t, err)
	assert.Len(t, set, len(docs))
}

// TestLedger_AtomicWrite tests that no temp files are left behind
func TestLedger_AtomicWrite(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Add("SR-1"))

	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uploaded_docnumbers.json", entries[0].Name())
}
