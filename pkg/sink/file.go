package sink

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/pgsteward"
)

// Format selects the file sink's encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// File appends alerts and reports to a local file, one document per
// event: JSON lines by default, or YAML documents separated by "---".
type File struct {
	mu     sync.Mutex
	path   string
	format Format
}

// NewFile creates a file-backed sink. The file is opened per write so
// rotation by external tooling is safe.
func NewFile(path string, format Format) *File {
	if format == "" {
		format = FormatJSONL
	}
	return &File{path: path, format: format}
}

func (f *File) OnAlert(_ context.Context, a pgsteward.Alert) error {
	return f.write(struct {
		Event string          `json:"event" yaml:"event"`
		Alert pgsteward.Alert `json:"alert" yaml:"alert"`
	}{Event: "alert", Alert: a})
}

func (f *File) OnReport(_ context.Context, r pgsteward.Report) error {
	return f.write(struct {
		Event  string           `json:"event" yaml:"event"`
		Report pgsteward.Report `json:"report" yaml:"report"`
	}{Event: "report", Report: r})
}

func (f *File) write(doc any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()

	switch f.format {
	case FormatYAML:
		if _, err := fh.WriteString("---\n"); err != nil {
			return err
		}
		enc := yaml.NewEncoder(fh)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(fh)
		return enc.Encode(doc)
	}
}
