package project

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// LocalFile pairs a project-relative, slash-separated path with its location
// on the local filesystem.
type LocalFile struct {
	Path   string
	Source string
}

// ListLocalFiles walks a working copy and returns every regular file as a
// LocalFile relative to root. Dot-directories (including the state dir) and
// dot-files are skipped.
func ListLocalFiles(root string) ([]LocalFile, error) {
	var files []LocalFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, LocalFile{
			Path:   filepath.ToSlash(rel),
			Source: path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
