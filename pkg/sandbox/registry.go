package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/skyrelay/skyrelay/pkg/models"
)

// Registry holds the loaded tool definitions. Definitions come from
// host-local JSON files, one tool per file, and change only through
// Reload; lookups are read-only and safe for concurrent executions.
type Registry struct {
	dir string

	mu    sync.RWMutex
	tools map[string]*models.ToolDefinition
}

// NewRegistry creates a registry over a tool-definition directory.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:   dir,
		tools: make(map[string]*models.ToolDefinition),
	}
}

// Reload re-reads every *.json file in the tool directory. Invalid files
// are skipped with an error in the returned slice; valid tools always load.
// A duplicate tool name keeps the first definition seen.
func (r *Registry) Reload() (int, []error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.tools = make(map[string]*models.ToolDefinition)
			r.mu.Unlock()
			return 0, nil
		}
		return 0, []error{fmt.Errorf("failed to read tool directory %s: %w", r.dir, err)}
	}

	loaded := make(map[string]*models.ToolDefinition)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		def, err := loadDefinition(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := loaded[def.Name]; exists {
			errs = append(errs, fmt.Errorf("duplicate tool name %q in %s", def.Name, entry.Name()))
			continue
		}
		loaded[def.Name] = def
	}

	r.mu.Lock()
	r.tools = loaded
	r.mu.Unlock()
	return len(loaded), errs
}

func loadDefinition(path string) (*models.ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var def models.ToolDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool in %s: %w", path, err)
	}
	return &def, nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all loaded definitions sorted by name.
func (r *Registry) List() []*models.ToolDefinition {
	r.mu.RLock()
	out := make([]*models.ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
