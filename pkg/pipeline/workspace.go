package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Workspace is the directory layout of one alignment run.
type Workspace struct {
	Root  string `json:"root"`
	Init  string `json:"init"`
	Mid   string `json:"mid"`
	Final string `json:"final"`
}

// NewWorkspace creates root with its init/, mid/ and final/ subdirectories.
func NewWorkspace(root string) (Workspace, error) {
	ws := Workspace{
		Root:  root,
		Init:  filepath.Join(root, "init"),
		Mid:   filepath.Join(root, "mid"),
		Final: filepath.Join(root, "final"),
	}
	for _, dir := range []string{ws.Root, ws.Init, ws.Mid, ws.Final} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Workspace{}, fmt.Errorf("creating workspace: %w", err)
		}
	}
	return ws, nil
}

// ArtifactsName is the file Context.Save writes in the workspace root.
const ArtifactsName = "artifacts.json"

// Context records named artifacts produced by a run so later steps and
// callers look them up by name instead of rebuilding paths.
type Context struct {
	mu        sync.RWMutex
	path      string
	artifacts map[string]string
}

// NewContext returns an empty context saved under root.
func NewContext(root string) *Context {
	return &Context{path: filepath.Join(root, ArtifactsName), artifacts: map[string]string{}}
}

// LoadContext reads the artifacts saved by an earlier run in root.
func LoadContext(root string) (*Context, error) {
	c := NewContext(root)
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("reading artifacts: %w", err)
	}
	if err := json.Unmarshal(data, &c.artifacts); err != nil {
		return nil, fmt.Errorf("parsing artifacts: %w", err)
	}
	return c, nil
}

// Set records an artifact.
func (c *Context) Set(name, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[name] = path
}

// Get looks an artifact up.
func (c *Context) Get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.artifacts[name]
	return p, ok
}

// Names lists recorded artifacts in sorted order.
func (c *Context) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.artifacts))
	for n := range c.artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Save writes the artifacts as JSON.
func (c *Context) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c.artifacts, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling artifacts: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}
	return nil
}
