package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"oiat.dev/common"
)

// Archive prefixes applied to the staged inputs when they move into the
// per-date archive directory.
const (
	prefixOriginal    = "ORIGINAL_"
	prefixRawSplit    = "RAW_SPLIT_"
	prefixRawCombined = "RAW_COMBINED_"
	prefixRawSpill    = "RAW_SPILL_"
)

// ArchiveSet lists the files belonging to one completed date. Empty
// entries are skipped.
type ArchiveSet struct {
	Original     string // raw download
	SplitFile    string
	CombinedFile string
	SpillFile    string // merged spill, already consumed
	Normalized   string
	MetadataFile string
}

// ArchiveDate moves the set into <archiveRoot>/<date>/ with the
// canonical prefixes. Any failure is wrapped as an archive error; the
// caller logs it as a warning since the upload already completed.
func ArchiveDate(archiveRoot, date string, set ArchiveSet, log *common.ContextLogger) error {
	destDir := filepath.Join(archiveRoot, date)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return common.WithKind(common.KindArchive, fmt.Errorf("create archive dir: %w", err))
	}

	moves := []struct {
		src    string
		prefix string
	}{
		{set.Original, prefixOriginal},
		{set.SplitFile, prefixRawSplit},
		{set.CombinedFile, prefixRawCombined},
		{set.SpillFile, prefixRawSpill},
		{set.Normalized, ""},
		{set.MetadataFile, ""},
	}

	for _, m := range moves {
		if m.src == "" {
			continue
		}
		info, err := os.Stat(m.src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return common.WithKind(common.KindArchive, err)
		}
		dest := filepath.Join(destDir, m.prefix+filepath.Base(m.src))
		if err := moveFile(m.src, dest); err != nil {
			return common.WithKind(common.KindArchive,
				fmt.Errorf("archive %s: %w", filepath.Base(m.src), err))
		}
		log.WithFields(map[string]interface{}{
			"file": filepath.Base(dest),
			"size": humanize.Bytes(uint64(info.Size())),
		}).Debug("Archived")
	}
	return nil
}

// RemoveStaging deletes the per-range staging directory after every date
// archived cleanly.
func RemoveStaging(stagingDir string) error {
	if stagingDir == "" {
		return nil
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		return common.WithKind(common.KindArchive, fmt.Errorf("remove staging: %w", err))
	}
	return nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
