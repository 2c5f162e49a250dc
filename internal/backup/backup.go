// Package backup reads and writes the user-facing journal export file.
// The format is fixed: exportedAt, totalMemories, and the full memory
// list, so files written by any app version stay readable.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// Archive is one exported backup file.
type Archive struct {
	ExportedAt    time.Time        `json:"exportedAt"`
	TotalMemories int              `json:"totalMemories"`
	Memories      []*memory.Memory `json:"memories"`
}

// Write exports memories as an indented archive. The memory list is
// written in the order given.
func Write(w io.Writer, memories []*memory.Memory) error {
	if memories == nil {
		memories = []*memory.Memory{}
	}
	a := Archive{
		ExportedAt:    time.Now().UTC().Truncate(time.Second),
		TotalMemories: len(memories),
		Memories:      memories,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return nil
}

// Read parses and validates an archive. The header count must match the
// actual list so a truncated file is rejected instead of silently
// restoring a partial journal.
func Read(r io.Reader) (*Archive, error) {
	var a Archive
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	if a.ExportedAt.IsZero() {
		return nil, errors.New("backup missing exportedAt")
	}
	if a.Memories == nil {
		a.Memories = []*memory.Memory{}
	}
	if a.TotalMemories != len(a.Memories) {
		return nil, fmt.Errorf("backup count mismatch: header says %d, found %d",
			a.TotalMemories, len(a.Memories))
	}
	return &a, nil
}
