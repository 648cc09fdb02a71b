// Package scripts maintains the catalog of helper scripts the agent
// registers during a run, synced to a TSV registry under the runtime
// directory. Tool output drives updates through marker lines:
//
//	ZACE_SCRIPT_REGISTER|<id>|<path>|<purpose>
//	ZACE_SCRIPT_USE|<id>
package scripts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zacedev/zace/internal/types"
)

const (
	registerMarker = "ZACE_SCRIPT_REGISTER|"
	useMarker      = "ZACE_SCRIPT_USE|"
	registryHeader = "id\tpath\tpurpose\tlast_touched_step\ttimes_used"
)

// Catalog is the in-memory script map, keyed by id. Owned by one run loop.
type Catalog struct {
	entries map[string]*types.ScriptMetadata
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*types.ScriptMetadata)}
}

// Load reads an existing registry file into a catalog. A missing or
// malformed file yields an empty catalog.
func Load(path string) *Catalog {
	c := NewCatalog()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	for i, line := range strings.Split(string(raw), "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			continue
		}
		meta := &types.ScriptMetadata{ID: fields[0], Path: fields[1], Purpose: fields[2]}
		fmt.Sscanf(fields[3], "%d", &meta.LastTouchedStep)
		fmt.Sscanf(fields[4], "%d", &meta.TimesUsed)
		c.entries[meta.ID] = meta
	}
	return c
}

// ConsumeMarkers scans tool output for script markers and applies them.
// Returns true when the catalog changed.
//
// Expectations:
//   - REGISTER upserts, keeping an existing entry's timesUsed and setting
//     lastTouchedStep to the current step
//   - USE increments timesUsed, creating a placeholder for unknown ids
func (c *Catalog) ConsumeMarkers(output string, step int) bool {
	changed := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, registerMarker):
			parts := strings.SplitN(strings.TrimPrefix(line, registerMarker), "|", 3)
			if len(parts) < 2 || parts[0] == "" {
				continue
			}
			id, path := parts[0], parts[1]
			purpose := ""
			if len(parts) == 3 {
				purpose = parts[2]
			}
			existing := c.entries[id]
			meta := &types.ScriptMetadata{ID: id, Path: path, Purpose: purpose, LastTouchedStep: step}
			if existing != nil {
				meta.TimesUsed = existing.TimesUsed
			}
			c.entries[id] = meta
			changed = true

		case strings.HasPrefix(line, useMarker):
			id := strings.TrimSpace(strings.TrimPrefix(line, useMarker))
			if id == "" {
				continue
			}
			meta := c.entries[id]
			if meta == nil {
				meta = &types.ScriptMetadata{ID: id}
				c.entries[id] = meta
			}
			meta.TimesUsed++
			meta.LastTouchedStep = step
			changed = true
		}
	}
	return changed
}

// Entries returns the catalog sorted by id.
func (c *Catalog) Entries() []types.ScriptMetadata {
	out := make([]types.ScriptMetadata, 0, len(c.entries))
	for _, m := range c.entries {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of catalogued scripts.
func (c *Catalog) Len() int { return len(c.entries) }

// scrub removes tabs and newlines so a field cannot break the TSV shape.
func scrub(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}

// Sync writes the registry TSV at path, creating parent directories.
func (c *Catalog) Sync(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scripts: create registry dir: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(registryHeader + "\n")
	for _, m := range c.Entries() {
		fmt.Fprintf(&sb, "%s\t%s\t%s\t%d\t%d\n",
			scrub(m.ID), scrub(m.Path), scrub(m.Purpose), m.LastTouchedStep, m.TimesUsed)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("scripts: write registry: %w", err)
	}
	return nil
}
