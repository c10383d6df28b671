package registry

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// favoritesFile is the on-disk form of the user's favorite set. Kept
// outside the sample history because favorites are user state, not
// telemetry.
type favoritesFile struct {
	UpdatedAt time.Time `yaml:"updated_at"`
	Nodes     []string  `yaml:"nodes"`
}

// LoadFavorites loads the favorite node IDs from disk. A missing file
// is an empty set.
func LoadFavorites(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file favoritesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Nodes, nil
}

// SaveFavorites writes the favorite node IDs to disk, sorted for stable
// diffs.
func SaveFavorites(path string, ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	data, err := yaml.Marshal(&favoritesFile{UpdatedAt: time.Now().UTC(), Nodes: sorted})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyFavorites marks each listed node as a favorite, creating
// placeholders for nodes not yet heard from.
func (r *Registry) ApplyFavorites(ids []string) {
	for _, id := range ids {
		if id != "" {
			r.SetFavorite(id, true)
		}
	}
}
