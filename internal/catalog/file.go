package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileSource reads the endpoint catalog and permission table from files.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
type FileSource struct {
	EndpointsPath   string
	PermissionsPath string
}

// NewFileSource creates a source reading the two documents from disk.
func NewFileSource(endpointsPath, permissionsPath string) *FileSource {
	return &FileSource{EndpointsPath: endpointsPath, PermissionsPath: permissionsPath}
}

// Load reads and validates both files.
func (f *FileSource) Load(_ context.Context) (*Snapshot, error) {
	var eps EndpointsDoc
	if err := decodeFile(f.EndpointsPath, &eps); err != nil {
		return nil, err
	}
	var perms PermissionsDoc
	if err := decodeFile(f.PermissionsPath, &perms); err != nil {
		return nil, err
	}
	return Build(eps, perms, time.Now())
}

func decodeFile(path string, target any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return &ConfigurationError{Op: "read", Err: err}
	}
	if err := Decode(path, data, target); err != nil {
		return &ConfigurationError{Op: "parse " + filepath.Base(path), Err: err}
	}
	return nil
}

// Decode parses data as YAML or JSON according to name's extension.
// Unknown JSON fields are rejected so typos in rule keys surface at load time.
func Decode(name string, data []byte, target any) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(target); err != nil {
			return fmt.Errorf("yaml: %w", err)
		}
		return nil
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return fmt.Errorf("json: %w", err)
		}
		return nil
	}
}
