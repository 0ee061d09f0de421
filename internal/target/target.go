package target

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/tinyrange/avrc/internal/ir"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	// SchemaMajor is the description format this package understands.
	SchemaMajor = "v1"
	// DefaultName names the built-in profile.
	DefaultName = "atmega328p"
)

// Description is a target device as written in a target file.
type Description struct {
	Version string `yaml:"version" toml:"version"`
	Name    string `yaml:"name" toml:"name"`
	Backend string `yaml:"backend,omitempty" toml:"backend,omitempty"`

	PointerSize     int `yaml:"pointerSize,omitempty" toml:"pointerSize,omitempty"`
	CodePointerSize int `yaml:"codePointerSize,omitempty" toml:"codePointerSize,omitempty"`
	StackAlignment  int `yaml:"stackAlignment,omitempty" toml:"stackAlignment,omitempty"`

	Memory Memory `yaml:"memory" toml:"memory"`

	ThrowFrameGlobal int `yaml:"throwFrameGlobal,omitempty" toml:"throwFrameGlobal,omitempty"`
	AllocStart       int `yaml:"allocStart,omitempty" toml:"allocStart,omitempty"`

	Optimizer OptimizerConfig `yaml:"optimizer" toml:"optimizer"`
}

type Memory struct {
	RAMStart  int `yaml:"ramStart,omitempty" toml:"ramStart,omitempty"`
	RAMEnd    int `yaml:"ramEnd,omitempty" toml:"ramEnd,omitempty"`
	FlashSize int `yaml:"flashSize,omitempty" toml:"flashSize,omitempty"`
}

type OptimizerConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// DeadCodeOnly limits the optimizer to dead-code removal.
	DeadCodeOnly bool `yaml:"deadCodeOnly,omitempty" toml:"deadCodeOnly,omitempty"`
	MaxPasses    int  `yaml:"maxPasses,omitempty" toml:"maxPasses,omitempty"`
	UnrollLimit  int  `yaml:"unrollLimit,omitempty" toml:"unrollLimit,omitempty"`
}

// Default returns the built-in ATmega328P profile.
func Default() Description {
	d := Description{Name: DefaultName}
	d.normalize()
	return d
}

func (d *Description) normalize() {
	if d.Version == "" {
		d.Version = SchemaMajor + ".0.0"
	}
	if d.Backend == "" {
		d.Backend = "avr"
	}
	if d.PointerSize == 0 {
		d.PointerSize = 2
	}
	if d.CodePointerSize == 0 {
		d.CodePointerSize = 2
	}
	if d.StackAlignment == 0 {
		d.StackAlignment = 1
	}
	if d.Memory.RAMStart == 0 {
		d.Memory.RAMStart = 0x100
	}
	if d.Memory.RAMEnd == 0 {
		d.Memory.RAMEnd = 0x8FF
	}
	if d.Memory.FlashSize == 0 {
		d.Memory.FlashSize = 32 * 1024
	}
	if d.ThrowFrameGlobal == 0 {
		d.ThrowFrameGlobal = d.Memory.RAMStart
	}
	if d.AllocStart == 0 {
		d.AllocStart = 16
	}
	if d.Optimizer.MaxPasses == 0 {
		d.Optimizer.MaxPasses = 64
	}
	if d.Optimizer.UnrollLimit == 0 {
		d.Optimizer.UnrollLimit = 4
	}
}

// Validate checks the description after defaults have been applied.
func (d Description) Validate() error {
	if !semver.IsValid(d.Version) {
		return fmt.Errorf("invalid version %q", d.Version)
	}
	if major := semver.Major(d.Version); major != SchemaMajor {
		return fmt.Errorf("unsupported version %s (want %s.x)", d.Version, SchemaMajor)
	}
	if d.Name == "" {
		return errors.New("missing name")
	}
	if d.PointerSize != 2 {
		return fmt.Errorf("pointerSize %d not supported (want 2)", d.PointerSize)
	}
	if d.CodePointerSize != 2 && d.CodePointerSize != 3 {
		return fmt.Errorf("codePointerSize %d not supported (want 2 or 3)", d.CodePointerSize)
	}
	if a := d.StackAlignment; a != 1 && a != 2 {
		return fmt.Errorf("stackAlignment %d not supported (want 1 or 2)", a)
	}
	m := d.Memory
	if m.RAMStart < 0x60 || m.RAMEnd <= m.RAMStart || m.RAMEnd > 0xFFFF {
		return fmt.Errorf("invalid RAM range %#x..%#x", m.RAMStart, m.RAMEnd)
	}
	if m.FlashSize <= 0 || m.FlashSize%2 != 0 {
		return fmt.Errorf("invalid flashSize %d", m.FlashSize)
	}
	if g := d.ThrowFrameGlobal; g < m.RAMStart || g+1 > m.RAMEnd {
		return fmt.Errorf("throwFrameGlobal %#x outside RAM", g)
	}
	if d.AllocStart < 2 || d.AllocStart > 25 {
		return fmt.Errorf("allocStart r%d outside r2..r25", d.AllocStart)
	}
	if d.Optimizer.MaxPasses < 1 || d.Optimizer.UnrollLimit < 0 {
		return fmt.Errorf("invalid optimizer limits %d/%d", d.Optimizer.MaxPasses, d.Optimizer.UnrollLimit)
	}
	return nil
}

// Target converts the description into backend form.
func (d Description) Target() ir.Target {
	return ir.Target{
		Name:             d.Name,
		PointerSize:      d.PointerSize,
		CodePointerSize:  d.CodePointerSize,
		StackAlignment:   d.StackAlignment,
		RAMStart:         d.Memory.RAMStart,
		RAMEnd:           d.Memory.RAMEnd,
		FlashSize:        d.Memory.FlashSize,
		ThrowFrameGlobal: d.ThrowFrameGlobal,
		AllocStart:       d.AllocStart,
		Optimize:         d.Optimizer.Enabled,
		DeadCodeOnly:     d.Optimizer.DeadCodeOnly,
		OptimizerPasses:  d.Optimizer.MaxPasses,
		UnrollLimit:      d.Optimizer.UnrollLimit,
	}
}

// Decode parses a description, rejecting unknown fields, then applies
// defaults and validates it.
func Decode(r io.Reader) (Description, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var d Description
	if err := dec.Decode(&d); err != nil {
		return Description{}, fmt.Errorf("parse target: %w", err)
	}
	return d.finish()
}

// DecodeTOML is Decode for TOML descriptions.
func DecodeTOML(r io.Reader) (Description, error) {
	var d Description
	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&d); err != nil {
		return Description{}, fmt.Errorf("parse target: %w", err)
	}
	return d.finish()
}

func (d Description) finish() (Description, error) {
	d.normalize()
	if err := d.Validate(); err != nil {
		return Description{}, fmt.Errorf("target %s: %w", d.Name, err)
	}
	return d, nil
}

// Load reads a description from path, as TOML when the file ends in .toml
// and as YAML otherwise. An empty path or the built-in name selects Default.
func Load(path string) (Description, error) {
	if path == "" || path == DefaultName {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	decode := Decode
	if filepath.Ext(path) == ".toml" {
		decode = DecodeTOML
	}
	d, err := decode(bytes.NewReader(data))
	if err != nil {
		return Description{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteTemplate writes d, with defaults applied, as YAML.
func WriteTemplate(path string, d Description) error {
	d.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
