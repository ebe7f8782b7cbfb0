// Package cache decides whether a pipeline step can reuse outputs from an
// earlier run. Each step is keyed by a hash of its name, parameters and the
// contents of its input files; the keys of completed steps are kept in a
// JSON manifest next to the outputs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"surfalign/internal/logging"
	"surfalign/internal/models"
	"surfalign/pkg/tools"
)

// ManifestName is the manifest file created in the cache directory.
const ManifestName = ".surfalign-cache.json"

// Step describes one cacheable unit of work.
type Step struct {
	// Name identifies the kind of work, e.g. "msm" or "project"
	Name string

	// Inputs are files whose contents determine the outputs
	Inputs []string

	// Params are any other values that change the outputs
	Params []string

	// Outputs are the files the step must leave behind
	Outputs []string
}

func (s Step) id() string {
	return s.Name + ":" + strings.Join(s.Outputs, ",")
}

// Key hashes the step name, parameters and input contents.
func (s Step) Key() (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00", s.Name)
	for _, p := range s.Params {
		fmt.Fprintf(h, "%s\x00", p)
	}
	for _, in := range s.Inputs {
		f, err := os.Open(in)
		if err != nil {
			if os.IsNotExist(err) {
				return "", models.Preconditionf("input %s does not exist", in)
			}
			return "", fmt.Errorf("hashing %s: %w", in, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", in, err)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entry records a completed step.
type Entry struct {
	Step    string    `json:"step"`
	Key     string    `json:"key"`
	Outputs []string  `json:"outputs"`
	Updated time.Time `json:"updated"`
}

type manifest struct {
	Entries map[string]Entry `json:"entries"`
}

// Cache tracks completed steps for one directory. A nil *Cache runs every
// step unconditionally.
type Cache struct {
	// Logger reports hits and misses at debug level; nil discards
	Logger *slog.Logger

	path  string
	force bool

	mu       sync.Mutex
	manifest manifest
}

// Open loads the manifest in dir, creating dir if needed. With force set
// every step is recomputed, though results are still recorded.
func Open(dir string, force bool) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	c := &Cache{
		path:     filepath.Join(dir, ManifestName),
		force:    force,
		manifest: manifest{Entries: map[string]Entry{}},
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading cache manifest: %w", err)
	}
	if err := json.Unmarshal(data, &c.manifest); err != nil {
		return nil, fmt.Errorf("parsing cache manifest %s: %w", c.path, err)
	}
	if c.manifest.Entries == nil {
		c.manifest.Entries = map[string]Entry{}
	}
	return c, nil
}

// Path returns the manifest location.
func (c *Cache) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Forced reports whether the cache recomputes every step.
func (c *Cache) Forced() bool {
	return c != nil && c.force
}

// Run executes fn unless the step's outputs are already valid, and reports
// whether fn was skipped.
//
// Outputs are valid when all exist and either the manifest holds the same
// key or holds nothing for the step; in the latter case the outputs are
// adopted under the current key. After fn every output must exist.
func (c *Cache) Run(step Step, fn func() error) (bool, error) {
	if c == nil {
		if err := fn(); err != nil {
			return false, err
		}
		return false, checkOutputs(step)
	}
	log := logging.OrNop(c.Logger)

	key, err := step.Key()
	if err != nil {
		return false, fmt.Errorf("%s: %w", step.Name, err)
	}

	if !c.force && outputsExist(step) {
		c.mu.Lock()
		entry, recorded := c.manifest.Entries[step.id()]
		c.mu.Unlock()
		if !recorded || entry.Key == key {
			log.Debug("cache hit", "step", step.Name, "outputs", step.Outputs, "adopted", !recorded)
			if !recorded {
				return true, c.record(step, key)
			}
			return true, nil
		}
		log.Debug("cache stale", "step", step.Name, "outputs", step.Outputs)
	}

	if err := fn(); err != nil {
		return false, err
	}
	if err := checkOutputs(step); err != nil {
		return false, err
	}
	return false, c.record(step, key)
}

// Invalidate forgets every entry recorded for steps called name and
// removes their outputs, so the next Run of each recomputes it. It returns
// the number of entries dropped.
func (c *Cache) Invalidate(name string) (int, error) {
	if c == nil {
		return 0, nil
	}
	c.mu.Lock()
	var dropped []Entry
	for id, e := range c.manifest.Entries {
		if e.Step == name {
			dropped = append(dropped, e)
			delete(c.manifest.Entries, id)
		}
	}
	c.mu.Unlock()
	if len(dropped) == 0 {
		return 0, nil
	}
	for _, e := range dropped {
		for _, out := range e.Outputs {
			if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
				return len(dropped), fmt.Errorf("removing %s: %w", out, err)
			}
		}
	}
	logging.OrNop(c.Logger).Debug("cache invalidated", "step", name, "entries", len(dropped))
	return len(dropped), c.save()
}

// Entries returns the recorded entries sorted by step id.
func (c *Cache) Entries() []Entry {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.manifest.Entries))
	for id := range c.manifest.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Entry, len(ids))
	for i, id := range ids {
		out[i] = c.manifest.Entries[id]
	}
	return out
}

func (c *Cache) record(step Step, key string) error {
	c.mu.Lock()
	c.manifest.Entries[step.id()] = Entry{
		Step:    step.Name,
		Key:     key,
		Outputs: step.Outputs,
		Updated: time.Now().UTC(),
	}
	c.mu.Unlock()
	return c.save()
}

func (c *Cache) save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.manifest, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling cache manifest: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("writing cache manifest: %w", err)
	}
	return nil
}

func outputsExist(step Step) bool {
	if len(step.Outputs) == 0 {
		return false
	}
	for _, p := range step.Outputs {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func checkOutputs(step Step) error {
	for _, p := range step.Outputs {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: step %s did not produce %s", tools.ErrMissingOutput, step.Name, p)
		}
	}
	return nil
}
