package gitops

import (
	"io/fs"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// CleanupSummary reports what the cleanup phase is about to discard
// from a worktree, and which files matched the preserve patterns.
type CleanupSummary struct {
	Files          int      `json:"files"`
	Bytes          int64    `json:"bytes"`
	PreservedFiles []string `json:"preserved_files,omitempty"`
}

// SummarizeWorktree walks the worktree and tallies what removal will
// discard. Paths matching a preserve glob (doublestar patterns such as
// "**/dist/**") are listed separately so operators can copy them out
// before the worktree goes away. The .git metadata is not counted.
func SummarizeWorktree(worktreePath string, preserveGlobs []string) (*CleanupSummary, error) {
	summary := &CleanupSummary{}

	err := filepath.WalkDir(worktreePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(worktreePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		summary.Files++
		summary.Bytes += info.Size()

		for _, pattern := range preserveGlobs {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				summary.PreservedFiles = append(summary.PreservedFiles, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Map renders the summary as a run state document field.
func (s *CleanupSummary) Map() map[string]any {
	m := map[string]any{
		"files": s.Files,
		"bytes": s.Bytes,
	}
	if len(s.PreservedFiles) > 0 {
		m["preserved_files"] = s.PreservedFiles
	}
	return m
}
