// Package docs discovers project documentation (AGENTS.md, README.md, and
// friends) and assembles a bounded context block injected into agent memory
// at run startup.
package docs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zacedev/zace/internal/config"
)

// discoveryTimeout bounds the whole discovery-and-read pass.
const discoveryTimeout = 30 * time.Second

// wellKnownDocs are matched at any depth in targeted mode; nearest wins.
var wellKnownDocs = []string{"AGENTS.md", "README.md", "CLAUDE.md"}

// broadPatterns extend discovery in broad mode.
var broadPatterns = []string{"docs/**/*.md", "doc/**/*.md", "*.md"}

// taskRefRe finds explicit doc references in the task text.
var taskRefRe = regexp.MustCompile(`[\w./-]+\.(?:md|txt|rst)\b`)

// taskDisableRe matches task phrasings that opt out of doc preloading
// ("skip docs", "no documentation", "without docs").
var taskDisableRe = regexp.MustCompile(`(?i)\b(?:no|skip|without|ignore)\s+(?:the\s+)?doc(?:s|umentation)\b`)

// candidate is a discovered doc with its selection priority.
type candidate struct {
	path  string // relative to root
	depth int
	rank  int // 0 explicit, 1 well-known, 2 broad
}

// Preload discovers docs for the task and returns the bounded context block,
// or "" when nothing qualifies.
//
// Expectations:
//   - Explicit file references in the task come first, then well-known docs
//     by nearest depth, then (broad mode) other markdown
//   - At most cfg.DocContextMaxFiles files; total budget
//     cfg.DocContextMaxChars; each file gets a bounded preview
//   - Discovery and reads share a 30 second timeout
//   - A task that explicitly opts out ("skip docs") preloads nothing even
//     when the mode allows it
func Preload(ctx context.Context, cfg config.Config, task string) string {
	if cfg.DocContextMode == config.DocsOff || taskDisableRe.MatchString(task) {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	root := cfg.WorkspaceRoot
	cands := discover(ctx, root, task, cfg.DocContextMode == config.DocsBroad)
	if len(cands) == 0 {
		return ""
	}
	maxFiles := cfg.DocContextMaxFiles
	if maxFiles <= 0 {
		maxFiles = len(cands)
	}
	if len(cands) > maxFiles {
		cands = cands[:maxFiles]
	}

	budget := cfg.DocContextMaxChars
	perFile := budget
	if len(cands) > 1 {
		perFile = budget / len(cands)
	}

	var sb strings.Builder
	sb.WriteString("Project documentation context:\n")
	used := 0
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		remaining := budget - used
		if remaining <= 0 {
			break
		}
		limit := perFile
		if limit > remaining {
			limit = remaining
		}
		preview, ok := readPreview(filepath.Join(root, c.path), limit)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", c.path, preview)
		used += len(preview)
	}
	if used == 0 {
		return ""
	}
	return sb.String()
}

// discover collects candidates ordered by rank, then depth, then path.
func discover(ctx context.Context, root, task string, broad bool) []candidate {
	seen := make(map[string]bool)
	var out []candidate
	add := func(rel string, rank int) {
		rel = filepath.ToSlash(rel)
		if seen[rel] {
			return
		}
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			return
		}
		seen[rel] = true
		out = append(out, candidate{path: rel, depth: strings.Count(rel, "/"), rank: rank})
	}

	// Explicit references in the task text win outright.
	for _, ref := range taskRefRe.FindAllString(task, -1) {
		add(strings.TrimPrefix(ref, "./"), 0)
	}

	fsys := os.DirFS(root)
	for _, name := range wellKnownDocs {
		if ctx.Err() != nil {
			break
		}
		matches, err := doublestar.Glob(fsys, "**/"+name)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if skippable(m) {
				continue
			}
			add(m, 1)
		}
	}
	if broad {
		for _, pat := range broadPatterns {
			if ctx.Err() != nil {
				break
			}
			matches, err := doublestar.Glob(fsys, pat)
			if err != nil {
				continue
			}
			for _, m := range matches {
				if skippable(m) {
					continue
				}
				add(m, 2)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		if out[i].depth != out[j].depth {
			return out[i].depth < out[j].depth
		}
		return out[i].path < out[j].path
	})
	return out
}

// skippable filters vendored and hidden trees out of glob results.
func skippable(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch {
		case part == "node_modules", part == "vendor", part == "target":
			return true
		case strings.HasPrefix(part, ".") && part != "." && part != "..":
			return true
		}
	}
	return false
}

// readPreview reads up to limit bytes of a regular file, cutting at the last
// full line when truncating.
func readPreview(path string, limit int) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "", false
	}
	if limit > 0 && len(s) > limit {
		cut := s[:limit]
		if i := strings.LastIndexByte(cut, '\n'); i > 0 {
			cut = cut[:i]
		}
		s = cut + "\n[truncated]"
	}
	return s, true
}
