package authz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"authgate.io/internal/obs"
)

// File is the on-disk YAML shape of a route map override.
type File struct {
	Public  []string          `yaml:"public"`
	Modules map[string]string `yaml:"modules"`
}

// Parse builds a table from YAML.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("authz: parse route map: %w", err)
	}
	return New(f.Public, f.Modules)
}

// Load reads and parses a route map file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: read route map: %w", err)
	}
	return Parse(data)
}

// Provider hands out the active table and swaps it on successful reloads.
// check runs against every candidate; a candidate that fails is dropped and
// the previous table stays active.
type Provider struct {
	mu    sync.RWMutex
	table *Table
	check func(*Table) error
}

// NewProvider wraps an initial table. check may be nil.
func NewProvider(table *Table, check func(*Table) error) *Provider {
	return &Provider{table: table, check: check}
}

// Table returns the active table.
func (p *Provider) Table() *Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Reload loads path and swaps the active table if the result passes check.
func (p *Provider) Reload(path string) error {
	t, err := Load(path)
	if err != nil {
		return err
	}
	if p.check != nil {
		if err := p.check(t); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.table = t
	p.mu.Unlock()
	return nil
}

// Watch reloads path whenever it changes, until ctx is done. The parent
// directory is watched so editors that replace the file atomically are still
// seen.
func (p *Provider) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	log := obs.Logger().WithField("path", path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(path); err != nil {
				obs.ObserveRoutemapReload("rejected")
				log.WithError(err).Warn("route map reload rejected, keeping previous table")
				continue
			}
			obs.ObserveRoutemapReload("applied")
			log.Info("route map reloaded")
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(werr).Warn("route map watcher error")
		}
	}
}
