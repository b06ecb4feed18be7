// Package datasets holds the labeled-example model shared by the evaluation
// engine and the optimizer, plus loaders for the usual on-disk formats.
package datasets

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a dataset from path, picking the decoder from the file
// extension. JSONL, JSON arrays and YAML sequences are supported; records
// must use the {"inputs": {...}, "expected": {...}} shape.
func Load(path string) ([]Item, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dataset path is empty")
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jsonl":
		return loadJSONL(path)
	case ".json":
		return loadJSONArray(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		// Try jsonl first, then json.
		if xs, err := loadJSONL(path); err == nil && len(xs) > 0 {
			return xs, nil
		}
		return loadJSONArray(path)
	}
}

func loadJSONL(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	closeWithErr := func(retErr error) error {
		cerr := f.Close()
		if retErr != nil {
			return retErr
		}
		return cerr
	}

	var out []Item
	sc := bufio.NewScanner(f)
	// Allow fairly long lines.
	buf := make([]byte, 0, 1024*1024)
	sc.Buffer(buf, 10*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			return nil, closeWithErr(fmt.Errorf("jsonl parse error at line %d: %w", lineNo, err))
		}
		if len(it.Inputs) == 0 {
			return nil, closeWithErr(fmt.Errorf("jsonl item at line %d: missing inputs", lineNo))
		}
		out = append(out, it)
	}
	if err := sc.Err(); err != nil {
		return nil, closeWithErr(err)
	}
	if err := closeWithErr(nil); err != nil {
		return nil, err
	}
	return out, nil
}

func loadJSONArray(path string) ([]Item, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Item
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, fmt.Errorf("json dataset must be an array of items: %w", err)
	}
	return out, validateItems(out)
}

func loadYAML(path string) ([]Item, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Item
	if err := yaml.Unmarshal(blob, &out); err != nil {
		return nil, fmt.Errorf("yaml dataset must be a sequence of items: %w", err)
	}
	return out, validateItems(out)
}

func validateItems(items []Item) error {
	for i, it := range items {
		if len(it.Inputs) == 0 {
			return fmt.Errorf("dataset item %d: missing inputs", i)
		}
	}
	return nil
}
