package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format int

const (
	// FormatAuto tries YAML, then JSON.
	FormatAuto Format = iota
	FormatYAML
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatJSON:
		return "json"
	default:
		return "auto"
	}
}

// FormatFor picks the format from a file extension or, when the extension
// says nothing, an HTTP Content-Type.
func FormatFor(path, contentType string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatAuto
	}
	switch {
	case strings.Contains(mt, "yaml"):
		return FormatYAML
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return FormatJSON
	}
	return FormatAuto
}

// Load reads a manifest file. The format follows the extension.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return nil, fmt.Errorf("manifest file not found: %s", path)
	case os.IsPermission(err):
		return nil, fmt.Errorf("permission denied reading manifest: %s", path)
	default:
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data, FormatFor(path, ""))
}

// LoadFromBytes parses data, taking the format from path's extension.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	return Parse(data, FormatFor(path, ""))
}

// LoadFromReader reads r fully and parses it like LoadFromBytes.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// Parse decodes, validates and defaults a manifest.
//
// Both encodings are normalized to JSON before anything else, so schema
// validation sees unknown fields and the typed decode treats algorithm
// references and parameter values identically.
func Parse(data []byte, f Format) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest is empty")
	}

	doc, err := normalize(data, f)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

// normalize returns data as JSON.
func normalize(data []byte, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case FormatYAML:
		return yamlToJSON(data)
	}

	// JSON is valid YAML, so YAML first covers both; plain JSON is the
	// fallback for inputs yaml.v3 rejects (tabs in indentation).
	doc, err := yamlToJSON(data)
	if err == nil {
		return doc, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, fmt.Errorf("parse manifest (tried YAML and JSON): %w", err)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	return doc, nil
}
