// ABOUTME: Static TOML-backed permission source for dev and test deployments.
// ABOUTME: Grants are loaded once at startup and immutable for the process lifetime.

package authz

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// grantsFile is the on-disk TOML shape.
//
//	sources = ["fs", "memory"]
//
//	[[grant]]
//	caller = "alice"
//	source = "fs"
//	operations = ["*"]
type grantsFile struct {
	Sources []string `toml:"sources"`
	Grants  []grant  `toml:"grant"`
}

type grant struct {
	Caller     string   `toml:"caller"`
	Source     string   `toml:"source"`
	Operations []string `toml:"operations"`
}

// FileSource implements PermissionSource from a static grants file.
type FileSource struct {
	sources map[string]struct{}
	// caller -> source -> allowed operation patterns
	grants map[string]map[string][]string
}

// LoadFileSource parses the grants file at path.
func LoadFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading grants file: %w", err)
	}

	var f grantsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing grants file: %w", err)
	}

	s := &FileSource{
		sources: make(map[string]struct{}, len(f.Sources)),
		grants:  make(map[string]map[string][]string),
	}
	for _, src := range f.Sources {
		s.sources[src] = struct{}{}
	}
	for _, g := range f.Grants {
		if g.Caller == "" || g.Source == "" {
			return nil, fmt.Errorf("grant missing caller or source")
		}
		if _, known := s.sources[g.Source]; !known {
			return nil, fmt.Errorf("grant references unknown source %q", g.Source)
		}
		bySource := s.grants[g.Caller]
		if bySource == nil {
			bySource = make(map[string][]string)
			s.grants[g.Caller] = bySource
		}
		bySource[g.Source] = append(bySource[g.Source], g.Operations...)
	}
	return s, nil
}

// IsAllowed implements PermissionSource.
func (s *FileSource) IsAllowed(_ context.Context, caller, source, operation string) (Decision, error) {
	if _, known := s.sources[source]; !known {
		return DenyUnknown, nil
	}
	ops, connected := s.grants[caller][source]
	if !connected {
		return DenyNotConnected, nil
	}
	if operationMatches(ops, operation) {
		return Allow, nil
	}
	return DenyInsufficientScope, nil
}

// operationMatches reports whether operation matches any granted pattern.
// "*" grants everything; "tool_call:*" grants a whole call kind.
func operationMatches(granted []string, operation string) bool {
	for _, g := range granted {
		if g == "*" || g == operation {
			return true
		}
		if n := len(g); n > 1 && g[n-1] == '*' && len(operation) >= n-1 && operation[:n-1] == g[:n-1] {
			return true
		}
	}
	return false
}
