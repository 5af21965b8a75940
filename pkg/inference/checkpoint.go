package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/termgraph/termgraph/pkg/relation"
)

// checkpoint records how far a bulk re-inference pass got. Written after
// every chunk so a killed pass resumes instead of starting over.
type checkpoint struct {
	LastTerm  string    `json:"last_term"`
	UpdatedAt time.Time `json:"updated_at"`
}

func loadCheckpoint(path string) (checkpoint, error) {
	var cp checkpoint
	if path == "" {
		return cp, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return cp, nil
}

// resumeIndex returns the index of the first unprocessed term. Terms are
// iterated in sorted order, so everything up to and including LastTerm is
// done even if the term set changed between runs.
func (cp checkpoint) resumeIndex(terms []relation.TermID) int {
	if cp.LastTerm == "" {
		return 0
	}
	for i, t := range terms {
		if string(t) > cp.LastTerm {
			return i
		}
	}
	return len(terms)
}

func saveCheckpoint(path string, cp checkpoint) error {
	if path == "" {
		return nil
	}
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}

func clearCheckpoint(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear checkpoint %s: %w", path, err)
	}
	return nil
}
