package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ErrUnknownFormat is returned for a format other than json or yaml.
var ErrUnknownFormat = errors.New("unknown report format")

// ValidFormat reports whether format can be rendered.
func ValidFormat(format string) bool {
	return format == FormatJSON || format == FormatYAML
}

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report as json: %w", err)
	}
	return nil
}

// WriteYAML renders r as YAML with the same field names as the JSON form.
func WriteYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report as yaml: %w", err)
	}
	return enc.Close()
}

// Write renders r in format.
func Write(w io.Writer, format string, r *Report) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteFile renders r into path, replacing any previous file only once the
// document is complete. A path of "-" writes to stdout.
func WriteFile(path, format string, r *Report) (err error) {
	if !ValidFormat(format) {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if path == "-" {
		return Write(os.Stdout, format, r)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := Write(tmp, format, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing report file: %w", err)
	}
	//nolint:gosec // report files are meant to be world readable
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting report file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing report to %s: %w", path, err)
	}
	return nil
}
