package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tetraminz/dyad_predict/internal/columnmap"
	"github.com/tetraminz/dyad_predict/internal/dataset"
)

// Layout is the content of a data root.
type Layout struct {
	Root      string
	MapPath   string
	DataFiles []string
}

// Discover finds the single column map and the data files directly under
// root. Data files are returned in lexical order.
func Discover(root string) (Layout, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return Layout{}, fmt.Errorf("read data root %q: %w", root, err)
	}

	layout := Layout{Root: root}
	var maps []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		switch {
		case strings.EqualFold(filepath.Ext(entry.Name()), ".json"):
			maps = append(maps, path)
		case dataset.IsDataFile(path):
			layout.DataFiles = append(layout.DataFiles, path)
		}
	}

	if len(maps) != 1 {
		sort.Strings(maps)
		return Layout{}, &columnmap.ConfigurationError{
			Source: root,
			Cause:  fmt.Errorf("expected exactly one column map .json file, found %d %v", len(maps), maps),
		}
	}
	if len(layout.DataFiles) == 0 {
		return Layout{}, fmt.Errorf("data root %q contains no %s or %s files", root, dataset.ExtCSV, dataset.ExtXLSX)
	}

	layout.MapPath = maps[0]
	sort.Strings(layout.DataFiles)
	return layout, nil
}
