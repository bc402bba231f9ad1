package docstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pattern-persistence/pps/internal/chunking"
)

// Crystal is one numbered snapshot file under crystals/current or
// crystals/archive.
type Crystal struct {
	Number   int       `json:"number"`
	Path     string    `json:"path"`
	Summary  string    `json:"summary,omitempty"`
	ModTime  time.Time `json:"mod_time"`
	Archived bool      `json:"archived"`
}

// ListCrystals returns every crystal file under both directories, highest
// number first. Missing directories read as empty. Summaries are not loaded;
// LatestCrystals fills them for the slice it returns.
func ListCrystals(currentDir, archiveDir string) ([]Crystal, error) {
	var out []Crystal
	for _, dir := range []struct {
		path     string
		archived bool
	}{{currentDir, false}, {archiveDir, true}} {
		entries, err := os.ReadDir(dir.path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isCrystalFile(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, Crystal{
				Number:   CrystalNumber(e.Name()),
				Path:     filepath.Join(dir.path, e.Name()),
				ModTime:  info.ModTime(),
				Archived: dir.archived,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number > out[j].Number
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// LatestCrystals returns the newest count crystals with their first
// paragraph as the summary.
func LatestCrystals(currentDir, archiveDir string, count int) ([]Crystal, error) {
	if count <= 0 {
		count = 3
	}
	all, err := ListCrystals(currentDir, archiveDir)
	if err != nil {
		return nil, err
	}
	if len(all) > count {
		all = all[:count]
	}
	for i := range all {
		data, err := os.ReadFile(all[i].Path)
		if err != nil {
			continue
		}
		if paras := chunking.Paragraphs(string(data)); len(paras) > 0 {
			all[i].Summary = paras[0]
		}
	}
	return all, nil
}

func isCrystalFile(name string) bool {
	return strings.HasPrefix(name, "crystal_") && strings.HasSuffix(name, ".md")
}

// MarkdownFiles walks root and returns every .md file, sorted. A missing
// root reads as empty, which keeps doc sweeps quiet on fresh entities.
func MarkdownFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
