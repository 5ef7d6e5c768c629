package billing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const priceFileDebounce = 100 * time.Millisecond

// priceFile is the on-disk price table:
//
//	prices:
//	  price_123: PRO
//	  price_456: BUSINESS
type priceFile struct {
	Prices map[string]string `yaml:"prices"`
}

// LoadPriceFile reads a YAML price table.
func LoadPriceFile(path string) (map[string]accounts.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table %s: %w", path, err)
	}
	var pf priceFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse price table %s: %w", path, err)
	}
	out := make(map[string]accounts.Plan, len(pf.Prices))
	for id, name := range pf.Prices {
		plan, ok := accounts.ParsePlan(name)
		if !ok {
			return nil, fmt.Errorf("price table %s: unknown plan %q for %q", path, name, id)
		}
		out[id] = plan
	}
	return out, nil
}

// PriceWatcher keeps a PriceTable in sync with a YAML file. Entries from the
// file are layered over the table's entries at construction time.
type PriceWatcher struct {
	path  string
	table *PriceTable
	base  map[string]accounts.Plan
}

// NewPriceWatcher snapshots the table's current entries as the base layer.
func NewPriceWatcher(path string, table *PriceTable) *PriceWatcher {
	return &PriceWatcher{path: path, table: table, base: table.Snapshot()}
}

// Reload re-reads the file. On error the table keeps its previous entries.
func (w *PriceWatcher) Reload() error {
	fromFile, err := LoadPriceFile(w.path)
	if err != nil {
		return err
	}
	merged := make(map[string]accounts.Plan, len(w.base)+len(fromFile))
	for id, plan := range w.base {
		merged[id] = plan
	}
	for id, plan := range fromFile {
		merged[id] = plan
	}
	if err := w.table.Replace(merged); err != nil {
		return fmt.Errorf("apply price table %s: %w", w.path, err)
	}
	log.Info().Str("path", w.path).Int("prices", len(merged)).Msg("Price table loaded")
	return nil
}

// Run watches the file's directory until ctx is cancelled.
func (w *PriceWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create price table watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch price table dir: %w", err)
	}

	name := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Wait for the writer to finish.
			time.Sleep(priceFileDebounce)
			if err := w.Reload(); err != nil {
				log.Error().Err(err).Msg("Price table reload failed; keeping previous table")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Price table watcher error")
		}
	}
}
