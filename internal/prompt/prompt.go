// Package prompt loads the text templates sent to the oracle.
//
// Templates are addressed by stage and kind ("interpret"/"gas_sensor",
// "allocate"/"default") and carry a <replace_payload> placeholder that
// Render substitutes with the stage's JSON payload.
package prompt

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Placeholder is replaced by the rendered payload.
const Placeholder = "<replace_payload>"

// DefaultKind names the template used by stages with a single template.
const DefaultKind = "default"

// ErrNotFound is returned when no source has the requested template.
var ErrNotFound = errors.New("prompt template not found")

// Source looks up templates.
type Source interface {
	Template(stage, kind string) (string, error)
}

//go:embed defaults
var defaults embed.FS

// FSSource reads templates from "<stage>/<kind>.txt" within an fs.FS.
type FSSource struct {
	fsys fs.FS
}

// NewFSSource wraps fsys.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// Defaults returns the built-in templates.
func Defaults() *FSSource {
	sub, _ := fs.Sub(defaults, "defaults")
	return &FSSource{fsys: sub}
}

// Template reads the template for stage and kind.
func (s *FSSource) Template(stage, kind string) (string, error) {
	name := path.Join(stage, kind+".txt")
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("%w: invalid name %s", ErrNotFound, name)
	}
	data, err := fs.ReadFile(s.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return string(data), nil
}

// DirSource reads templates from a directory on every call, so edits take
// effect without a restart.
type DirSource struct {
	dir string
	fs  *FSSource
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir, fs: NewFSSource(os.DirFS(dir))}
}

// Dir returns the root directory.
func (d *DirSource) Dir() string {
	return d.dir
}

// Template reads "<dir>/<stage>/<kind>.txt".
func (d *DirSource) Template(stage, kind string) (string, error) {
	tmpl, err := d.fs.Template(stage, kind)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%s: %w", filepath.Join(d.dir, stage, kind+".txt"), err)
	}
	return tmpl, err
}

// Chain tries each source in order and returns the first template found.
type Chain []Source

// Template implements Source.
func (c Chain) Template(stage, kind string) (string, error) {
	for _, s := range c {
		tmpl, err := s.Template(stage, kind)
		if err == nil {
			return tmpl, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, stage, kind)
}

// Render substitutes payload, encoded as indented JSON, for the placeholder.
// A template without the placeholder gets the payload appended.
func Render(tmpl string, payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode prompt payload: %w", err)
	}
	if !strings.Contains(tmpl, Placeholder) {
		return strings.TrimRight(tmpl, "\n") + "\n\n" + string(data), nil
	}
	return strings.ReplaceAll(tmpl, Placeholder, string(data)), nil
}
