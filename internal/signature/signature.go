// Package signature builds canonical identities for tool calls so that rule
// matching and loop detection ignore benign textual variation: relative vs
// absolute paths, token ordering inside the arguments object, artifact paths
// and UUIDs embedded in output.
package signature

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zacedev/zace/internal/types"
)

const loopOutputCap = 400

// StableJSON encodes v deterministically: object keys sorted, no HTML
// escaping artifacts that would differ between encoders.
func StableJSON(v any) string {
	return stableValue(toTree(v))
}

func toTree(v any) any {
	switch t := v.(type) {
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			return string(t)
		}
		return out
	case map[string]json.RawMessage:
		m := make(map[string]any, len(t))
		for k, raw := range t {
			m[k] = toTree(raw)
		}
		return m
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return string(raw)
		}
		return out
	}
}

func stableValue(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			sb.WriteString(stableValue(t[k]))
		}
		sb.WriteByte('}')
		return sb.String()
	case []any:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(stableValue(e))
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(raw)
	}
}

// ForToolCall returns the canonical pre-execution signature
// "toolName|stable_json(arguments)". execute_command arguments are
// canonicalized first so logically equivalent calls share a signature.
func ForToolCall(tc types.ToolCall) string {
	args := map[string]any{}
	for k, raw := range tc.Arguments {
		args[k] = toTree(raw)
	}
	if tc.Name == "execute_command" {
		canonicalizeExecuteCommand(args)
	}
	return tc.Name + "|" + stableValue(args)
}

// canonicalizeExecuteCommand rewrites cwd to an absolute path (defaulting to
// the process working directory) and normalizes path-looking tokens in the
// command string.
func canonicalizeExecuteCommand(args map[string]any) {
	cwd, _ := args["cwd"].(string)
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	if cwd != "" && !filepath.IsAbs(cwd) {
		if abs, err := filepath.Abs(cwd); err == nil {
			cwd = abs
		}
	}
	cwd = filepath.ToSlash(filepath.Clean(cwd))
	args["cwd"] = cwd

	if cmd, ok := args["command"].(string); ok {
		args["command"] = CanonicalCommand(cmd, cwd)
	}
}

// CanonicalCommand collapses whitespace in cmd and normalizes every
// path-looking token: forward-slash form, absolute paths under cwd rewritten
// relative, KEY=value assignments split so only the value half is touched,
// quoted tokens unquoted-normalized-requoted.
func CanonicalCommand(cmd, cwd string) string {
	fields := strings.Fields(cmd)
	for i, tok := range fields {
		fields[i] = canonicalToken(tok, cwd)
	}
	return strings.Join(fields, " ")
}

var assignmentRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

func canonicalToken(tok, cwd string) string {
	if m := assignmentRe.FindStringSubmatch(tok); m != nil {
		return m[1] + "=" + canonicalToken(m[2], cwd)
	}
	// Quoted tokens: strip, normalize, requote with the same quote char.
	if len(tok) >= 2 {
		if q := tok[0]; (q == '\'' || q == '"') && tok[len(tok)-1] == q {
			inner := tok[1 : len(tok)-1]
			return string(q) + canonicalToken(inner, cwd) + string(q)
		}
	}
	if !looksLikePath(tok) {
		return tok
	}
	p := filepath.ToSlash(tok)
	if strings.HasPrefix(p, "/") && cwd != "" {
		prefix := strings.TrimSuffix(cwd, "/") + "/"
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
		if p == strings.TrimSuffix(cwd, "/") {
			return "."
		}
	}
	return p
}

// looksLikePath reports whether tok should be treated as a filesystem path:
// contains a separator, starts with . or .., or is absolute.
func looksLikePath(tok string) bool {
	if tok == "" {
		return false
	}
	if strings.ContainsAny(tok, `/\`) {
		return true
	}
	return tok == "." || tok == ".." || strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../")
}

var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	// Artifact path lines written by the executor when it spills large
	// stdout/stderr/combined streams to disk.
	artifactLineRe = regexp.MustCompile(`(?m)^.*(stdout|stderr|combined)[^\n]*\.(log|txt)\s*$`)
	wsRe           = regexp.MustCompile(`\s+`)
)

// ForLoop returns the post-execution loop signature: the canonical tool-call
// signature composed with a noise-stripped, truncated view of the output.
// Artifact path lines collapse to <artifact> and UUIDs to <uuid> so two runs
// differing only in those produce equal signatures.
func ForLoop(tc types.ToolCall, output string) string {
	out := artifactLineRe.ReplaceAllString(output, "<artifact>")
	out = uuidRe.ReplaceAllString(out, "<uuid>")
	out = strings.TrimSpace(wsRe.ReplaceAllString(out, " "))
	if len(out) > loopOutputCap {
		out = out[:loopOutputCap]
	}
	return ForToolCall(tc) + "|" + out
}
