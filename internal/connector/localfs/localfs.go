// ABOUTME: Local filesystem connector confined to configured root paths.
// ABOUTME: Exposes fs.list_files and fs.read_file tools and fs:// resources.

package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conhub/conhub-gateway/internal/connector"
)

// maxFileSize caps read_file payloads (1MB).
const maxFileSize = 1 << 20

// Connector serves files from a set of allowed root directories. Paths
// outside every root are rejected regardless of how they are spelled.
type Connector struct {
	roots  []string
	ignore []string
}

// New creates a filesystem connector over the given roots. Roots are
// cleaned to absolute paths; ignore patterns match base names (shell glob).
func New(roots, ignore []string) (*Connector, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root path is required")
	}
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		a, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolving root %q: %w", r, err)
		}
		abs = append(abs, filepath.Clean(a))
	}
	return &Connector{roots: abs, ignore: ignore}, nil
}

// ID implements connector.Connector.
func (c *Connector) ID() string { return "fs" }

// Tools implements connector.Connector.
func (c *Connector) Tools() []connector.ToolDescriptor {
	return []connector.ToolDescriptor{
		{
			Name:        "list_files",
			Description: "List files under a path within the allowed roots",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			ReadOnly:    true,
		},
		{
			Name:        "read_file",
			Description: "Read file content from the local filesystem",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			ReadOnly:    true,
		},
	}
}

// Resources implements connector.Connector.
func (c *Connector) Resources() []connector.ResourceDescriptor {
	return []connector.ResourceDescriptor{
		{Scheme: "fs", Description: "Local filesystem files under the configured roots"},
	}
}

// CallTool implements connector.Connector.
func (c *Connector) CallTool(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	switch name {
	case "list_files":
		return c.listFiles(params.Path)
	case "read_file":
		return c.readFile(params.Path)
	default:
		return nil, fmt.Errorf("unknown tool %q: %w", name, connector.ErrNotFound)
	}
}

// ReadResource implements connector.Connector. URI form: fs://<path>.
func (c *Connector) ReadResource(_ context.Context, uri string) (json.RawMessage, error) {
	path, ok := strings.CutPrefix(uri, "fs://")
	if !ok || path == "" {
		return nil, fmt.Errorf("malformed fs uri %q", uri)
	}
	return c.readFile(path)
}

// resolve maps a caller-supplied path to an absolute path confined to the
// roots. Relative paths resolve against the first root.
func (c *Connector) resolve(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.roots[0], p)
	}
	p = filepath.Clean(p)
	for _, root := range c.roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("path %q escapes the allowed roots", path)
}

func (c *Connector) ignored(name string) bool {
	for _, pattern := range c.ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (c *Connector) listFiles(path string) (json.RawMessage, error) {
	p, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q: %w", path, connector.ErrNotFound)
		}
		return nil, fmt.Errorf("listing %q: %w", path, err)
	}

	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		if c.ignored(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{
			Name:  e.Name(),
			Path:  filepath.Join(p, e.Name()),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	return json.Marshal(map[string]any{"entries": out})
}

func (c *Connector) readFile(path string) (json.RawMessage, error) {
	p, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q: %w", path, connector.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory", path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%q exceeds the %d byte read limit", path, maxFileSize)
	}

	content, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return json.Marshal(map[string]any{"path": p, "content": string(content)})
}
