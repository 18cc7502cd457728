package config

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"
)

// Merge reads the given configuration files (directories are walked) and
// deep merges them in order. Documents that are not Root shaped are wrapped
// as the bundles value first. With conflictError set, differing scalar values
// for the same path are an error; otherwise later files win.
func Merge(configFiles []string, conflictError bool) ([]byte, error) {
	merged := map[string]any{}
	for _, root := range configFiles {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			doc, err := readDocument(path)
			if err != nil {
				return err
			}
			return mergeInto(merged, doc, "", conflictError)
		})
		if err != nil {
			return nil, err
		}
	}

	bs, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged configuration: %w", err)
	}
	return bs, nil
}

func readDocument(path string) (map[string]any, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file %v: %w", path, err)
	}
	var x any
	if err := yaml.Unmarshal(bs, &x); err != nil {
		return nil, fmt.Errorf("parse configuration file %v: %w", path, err)
	}
	doc, ok := Canonical(x).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("configuration file %v: %w", path, ErrInvalidBundles)
	}
	return doc, nil
}

// MergeData deep merges data objects left to right; later layers win on key
// conflicts. Nil layers are skipped and the inputs are not modified.
func MergeData(layers ...map[string]any) map[string]any {
	merged := map[string]any{}
	for _, l := range layers {
		_ = mergeInto(merged, l, "", false) // never fails without conflictError
	}
	return merged
}

// mergeInto copies src into dst, recursing where both sides hold objects.
// Nested objects from src are copied so dst never aliases them.
func mergeInto(dst, src map[string]any, path string, conflictError bool) error {
	for _, key := range slices.Sorted(maps.Keys(src)) {
		at := path + "/" + key
		value := src[key]
		valueMap, isMap := value.(map[string]any)

		existing, ok := dst[key]
		if existingMap, ok2 := existing.(map[string]any); ok && ok2 && isMap {
			if err := mergeInto(existingMap, valueMap, at, conflictError); err != nil {
				return err
			}
			continue
		}
		if ok && conflictError && !reflect.DeepEqual(existing, value) {
			return fmt.Errorf("conflict for config path %s", at)
		}

		if isMap {
			cp := map[string]any{}
			_ = mergeInto(cp, valueMap, at, false)
			value = cp
		}
		dst[key] = value
	}
	return nil
}
