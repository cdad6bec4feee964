package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Record is one training image. Data holds the encoded bytes when the image
// came from a shard; otherwise the file at Path is read on demand.
type Record struct {
	Key   string
	Path  string
	Label int
	Data  []byte
}

// DiscoverShards returns absolute paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverImages walks an ImageFolder layout: every sub-directory of root is
// a class, labelled by its index in sorted order. Images directly under root
// get label 0 when there are no class directories.
func DiscoverImages(root string) ([]Record, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)

	var records []Record
	if len(classes) == 0 {
		return collectImages(root, 0, records)
	}
	for label, class := range classes {
		records, err = collectImages(filepath.Join(root, class), label, records)
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

func collectImages(dir string, label int, records []Record) ([]Record, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(d.Name()))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	sort.Strings(paths)
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		records = append(records, Record{Key: filepath.ToSlash(rel), Path: p, Label: label})
	}
	return records, nil
}

// Discover indexes root. WebDataset shards take precedence; their samples
// are read into memory in shard order. Otherwise root is treated as an
// ImageFolder tree.
func Discover(ctx context.Context, root string) ([]Record, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return DiscoverImages(root)
	}
	var records []Record
	for _, shard := range shards {
		samples, errCh := StreamShard(ctx, shard, 0)
		for s := range samples {
			records = append(records, Record{Key: s.Key, Label: s.Label, Data: s.Image})
		}
		if err := <-errCh; err != nil {
			return nil, fmt.Errorf("read shard %s: %w", shard, err)
		}
	}
	return records, nil
}
