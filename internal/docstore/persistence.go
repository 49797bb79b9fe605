package docstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Persistence handles the disk I/O for the MemStore. Each root collection
// is saved as one JSON file holding every document below it.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	saved   map[string]uint64
	log     zerolog.Logger
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, log zerolog.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Persistence{
		DataDir: dir,
		saved:   make(map[string]uint64),
		log:     log.With().Str("component", "persistence").Logger(),
	}, nil
}

// SaveCollection writes one root collection atomically. Saves carrying an
// older version than the last one written are skipped.
func (p *Persistence) SaveCollection(root string, version uint64, docs map[Path]Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if version < p.saved[root] {
		return nil
	}

	filePath := filepath.Join(p.DataDir, root+".json")
	tempPath := filePath + ".tmp"

	if len(docs) == 0 {
		p.saved[root] = version
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	bytes, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}

	// Readers see either the old file or the new one, never a partial write.
	if err := os.Rename(tempPath, filePath); err != nil {
		return err
	}
	p.saved[root] = version
	return nil
}

// LoadAll returns every document found in the data directory. Unreadable
// or corrupt files are skipped with a warning.
func (p *Persistence) LoadAll() (map[Path]Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make(map[Path]Document)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		root := strings.TrimSuffix(file.Name(), ".json")

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.log.Warn().Err(err).Str("file", file.Name()).Msg("could not read collection file")
			continue
		}

		var docs map[Path]Document
		if err := json.Unmarshal(content, &docs); err != nil {
			p.log.Warn().Err(err).Str("file", file.Name()).Msg("could not decode collection file")
			continue
		}
		for path, doc := range docs {
			if !path.IsDocument() || path.Root() != root {
				p.log.Warn().Str("file", file.Name()).Str("path", string(path)).Msg("skipping misplaced document")
				continue
			}
			doc.Path = path
			doc.ID = path.ID()
			all[path] = doc
		}
	}
	return all, nil
}
