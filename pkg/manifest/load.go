package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File names searched by LoadFromDir, in order
var FileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// ParseJSON decodes a JSON manifest document. Numbers are kept as json.Number so
// integer fields are not rounded through float64.
func ParseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("failed to parse manifest: unexpected data after document")
	}
	return doc, nil
}

// ParseYAML decodes a YAML manifest document
func ParseYAML(data []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return doc, nil
}

// LoadDocument reads an untyped manifest document, choosing the parser by extension
func LoadDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// Load reads and validates a manifest file
func Load(path string) (*Result, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return Validate(doc), nil
}

// LoadFromDir loads the first manifest file found in dir
func LoadFromDir(dir string) (*Result, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, fmt.Errorf("no manifest found in %s (looked for %s)", dir, strings.Join(FileNames, ", "))
}

// Save writes a manifest, as YAML when the extension asks for it and JSON otherwise
func Save(m *Manifest, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	default:
		data, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
