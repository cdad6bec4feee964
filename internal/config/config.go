// Package config holds the typed configuration trees for the launcher and
// the training container. Each tree starts from its defaults; YAML files
// and dotted KEY VALUE lists are merged on top, and unknown keys are errors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MergeFile merges the YAML document at path into dst.
func MergeFile(dst any, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := merge(dst, f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// MergeFromList applies KEY VALUE pairs such as
// ["TRAINING.NUM_EPOCHS", "3", "DATALOADER.SHUFFLE", "false"]. Values are
// parsed as YAML scalars and must decode into the type of the target field.
func MergeFromList(dst any, pairs []string) error {
	if len(pairs)%2 != 0 {
		return fmt.Errorf("config: override list has odd length %d", len(pairs))
	}
	for i := 0; i < len(pairs); i += 2 {
		key, raw := pairs[i], pairs[i+1]
		parts := strings.Split(key, ".")
		for _, p := range parts {
			if p == "" {
				return fmt.Errorf("config: malformed key %q", key)
			}
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		var node any = value
		for j := len(parts) - 1; j >= 0; j-- {
			node = map[string]any{parts[j]: node}
		}
		doc, err := yaml.Marshal(node)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		if err := merge(dst, bytes.NewReader(doc)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

func merge(dst any, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ListFlag collects repeated KEY=VALUE command line arguments into the flat
// pair list accepted by MergeFromList.
type ListFlag []string

func (l *ListFlag) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, " ")
}

func (l *ListFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	*l = append(*l, key, value)
	return nil
}

// Pairs returns the collected KEY VALUE list.
func (l ListFlag) Pairs() []string {
	return []string(l)
}
