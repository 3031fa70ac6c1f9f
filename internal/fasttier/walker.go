package fasttier

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ListCorpus walks the corpus directory and returns the relative paths of
// every mention file with the given extension, sorted for a stable
// processing order. The relative path doubles as the processed-file key in
// checkpoints, so moving the corpus root does not invalidate them.
func ListCorpus(dir, extension string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if extension != "" && !strings.HasSuffix(d.Name(), extension) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
