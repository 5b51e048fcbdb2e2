// Package data provides the PracticalDL image-folder dataset, its evaluation
// transform and batched loaders.
package data

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEmptyDataset is returned when a split holds no images.
var ErrEmptyDataset = errors.New("empty dataset")

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
}

// Sample is one labelled image file.
type Sample struct {
	Path  string
	Label int
}

// ImageFolder is a split laid out as <root>/<class>/<image>. Class indices follow
// the sorted class directory names.
type ImageFolder struct {
	Root    string
	Classes []string
	Samples []Sample
}

// NewImageFolder scans root. Hidden entries and files with unknown extensions are skipped.
func NewImageFolder(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading split %s: %w", root, err)
	}
	f := &ImageFolder{Root: root}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			f.Classes = append(f.Classes, e.Name())
		}
	}
	sort.Strings(f.Classes)

	for label, class := range f.Classes {
		dir := filepath.Join(root, class)
		var files []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasPrefix(d.Name(), ".") && imageExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning class %s: %w", class, err)
		}
		sort.Strings(files)
		for _, path := range files {
			f.Samples = append(f.Samples, Sample{Path: path, Label: label})
		}
	}
	if len(f.Samples) == 0 {
		return nil, fmt.Errorf("%w: no images under %s", ErrEmptyDataset, root)
	}
	return f, nil
}

func (f *ImageFolder) Len() int { return len(f.Samples) }
