package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadGraph reads and validates a graph from a .json, .yaml or .yml file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseGraph(data, filepath.Ext(path))
}

// ParseGraph decodes a graph; ext selects the format.
func ParseGraph(data []byte, ext string) (*Graph, error) {
	var g Graph
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to parse workflow yaml: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to parse workflow json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow file extension: %s", ext)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func isGraphFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Catalog indexes graphs from a directory by workflow id and persona.
type Catalog struct {
	dir       string
	mu        sync.RWMutex
	byID      map[string]*Graph
	byPersona map[string]*Graph
	byFile    map[string]string

	watcher   *fsnotify.Watcher
	debounce  time.Duration
	timers    map[string]*time.Timer
	timersMu  sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewCatalog creates an empty catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:       dir,
		byID:      make(map[string]*Graph),
		byPersona: make(map[string]*Graph),
		byFile:    make(map[string]string),
		debounce:  100 * time.Millisecond,
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
}

// Load reads every graph file in the directory. Invalid files are logged and skipped.
func (c *Catalog) Load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflow directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isGraphFile(entry.Name()) {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if err := c.loadFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping invalid workflow file")
		}
	}

	log.Info().Str("dir", c.dir).Int("workflows", c.Count()).Msg("Workflow catalog loaded")
	return nil
}

// Add registers a graph directly
func (c *Catalog) Add(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked("", g)
	return nil
}

func (c *Catalog) loadFile(path string) error {
	g, err := LoadGraph(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeFileLocked(path)
	c.putLocked(path, g)
	return nil
}

func (c *Catalog) putLocked(path string, g *Graph) {
	c.byID[g.ID] = g
	if g.Persona != "" {
		c.byPersona[g.Persona] = g
	}
	if path != "" {
		c.byFile[path] = g.ID
	}
}

func (c *Catalog) removeFileLocked(path string) {
	id, ok := c.byFile[path]
	if !ok {
		return
	}
	if g, exists := c.byID[id]; exists && g.Persona != "" {
		delete(c.byPersona, g.Persona)
	}
	delete(c.byID, id)
	delete(c.byFile, path)
}

// Get returns a graph by workflow id
func (c *Catalog) Get(id string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.byID[id]
	return g, ok
}

// ForPersona returns the graph declared for a persona
func (c *Catalog) ForPersona(persona string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.byPersona[persona]
	return g, ok
}

// Count returns the number of loaded graphs
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Watch reloads graph files as they change on disk until Close is called.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch workflow directory: %w", err)
	}
	c.watcher = watcher

	go c.eventLoop()

	log.Info().Str("dir", c.dir).Msg("Workflow watcher started")
	return nil
}

func (c *Catalog) eventLoop() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if isGraphFile(event.Name) {
				c.debounceEvent(event)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Workflow watcher error")
		case <-c.done:
			return
		}
	}
}

func (c *Catalog) debounceEvent(event fsnotify.Event) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if timer, exists := c.timers[event.Name]; exists {
		timer.Stop()
	}

	c.timers[event.Name] = time.AfterFunc(c.debounce, func() {
		c.timersMu.Lock()
		delete(c.timers, event.Name)
		c.timersMu.Unlock()

		select {
		case <-c.done:
			return
		default:
		}

		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			c.mu.Lock()
			c.removeFileLocked(event.Name)
			c.mu.Unlock()
			log.Info().Str("path", event.Name).Msg("Workflow removed")
			return
		}

		if err := c.loadFile(event.Name); err != nil {
			log.Warn().Err(err).Str("path", event.Name).Msg("Failed to reload workflow")
			return
		}
		log.Info().Str("path", event.Name).Msg("Workflow reloaded")
	})
}

// Close stops the watcher
func (c *Catalog) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.timersMu.Lock()
	for _, timer := range c.timers {
		timer.Stop()
	}
	clear(c.timers)
	c.timersMu.Unlock()

	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
