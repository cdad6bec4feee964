package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Sample represents a paired record from a WebDataset shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// Unlabeled marks a shard sample that had no .cls entry.
const Unlabeled = -1

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams samples from the shard at path. An image is emitted as
// soon as its .cls label arrives; images that never receive a label are
// emitted at the end of the shard, in key order, with label Unlabeled.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		emit := func(s Sample) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- s:
				return true
			}
		}

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(partials)

		for {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, filepath.Ext(name))

			switch {
			case imageExts[ext]:
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", name, err)
					return
				}
				pending.get(key).image = data
			case ext == ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read label %s: %w", name, err)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- fmt.Errorf("parse label %s: %w", name, err)
					return
				}
				pending.get(key).label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				delete(pending, key)
				if !emit(Sample{Key: key, Image: part.image, Label: *part.label}) {
					return
				}
			}
		}

		keys := make([]string, 0, len(pending))
		for key, part := range pending {
			if len(part.image) == 0 {
				errCh <- fmt.Errorf("label %s has no image", key)
				return
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !emit(Sample{Key: key, Image: pending[key].image, Label: Unlabeled}) {
				return
			}
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

type partials map[string]*partial

func (m partials) get(key string) *partial {
	p := m[key]
	if p == nil {
		p = &partial{}
		m[key] = p
	}
	return p
}
