package ir

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// ProgramFormatMajor is the program file format this package reads.
const ProgramFormatMajor = "v1"

// Program is a unit of procedures in the textual IR format.
type Program struct {
	Version    string            `yaml:"version"`
	Name       string            `yaml:"name"`
	Globals    map[string]int    `yaml:"globals,omitempty"`
	Vectors    []string          `yaml:"vectors,omitempty"`
	Procedures []ProcedureSource `yaml:"procedures"`
}

// ProcedureSource is one procedure as written in a program file.
type ProcedureSource struct {
	Name   string   `yaml:"name"`
	Params []string `yaml:"params,omitempty"`
	Result string   `yaml:"result,omitempty"`
	Locals int      `yaml:"locals,omitempty"`
	Inline bool     `yaml:"inline,omitempty"`
	Ops    []Instr  `yaml:"ops"`
}

// Instr is one IR construct. Register operands are numbered from 1; zero
// means the operand is absent.
type Instr struct {
	Op     string  `yaml:"op"`
	Arith  string  `yaml:"arith,omitempty"`
	Cond   string  `yaml:"cond,omitempty"`
	Type   string  `yaml:"type,omitempty"`
	Dst    int     `yaml:"dst,omitempty"`
	A      int     `yaml:"a,omitempty"`
	B      int     `yaml:"b,omitempty"`
	C      int     `yaml:"c,omitempty"`
	Value  int64   `yaml:"value,omitempty"`
	Float  float64 `yaml:"float,omitempty"`
	Index  int     `yaml:"index,omitempty"`
	Offset int     `yaml:"offset,omitempty"`
	Addr   int     `yaml:"addr,omitempty"`
	Frame  int     `yaml:"frame,omitempty"`
	Slot   int     `yaml:"slot,omitempty"`
	Bytes  int     `yaml:"bytes,omitempty"`
	Label  string  `yaml:"label,omitempty"`
	Sym    string  `yaml:"sym,omitempty"`
	Args   []int   `yaml:"args,omitempty"`
	Regs   []int   `yaml:"regs,omitempty"`
}

// Info converts the procedure header into backend form.
func (p ProcedureSource) Info() (ProcedureInfo, error) {
	info := ProcedureInfo{Name: p.Name, Locals: p.Locals, Inline: p.Inline}
	if p.Name == "" {
		return info, errors.New("ir: procedure without a name")
	}
	if p.Locals < 0 {
		return info, fmt.Errorf("ir: procedure %s: negative locals %d", p.Name, p.Locals)
	}
	for _, s := range p.Params {
		t, err := ParseType(s)
		if err != nil {
			return info, fmt.Errorf("ir: procedure %s: %w", p.Name, err)
		}
		info.Params = append(info.Params, t)
	}
	if p.Result != "" {
		t, err := ParseType(p.Result)
		if err != nil {
			return info, fmt.Errorf("ir: procedure %s: %w", p.Name, err)
		}
		info.Result = t
	}
	return info, nil
}

// DecodeProgram parses a program, rejecting unknown fields.
func DecodeProgram(r io.Reader) (*Program, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Program
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("ir: decode program: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProgram reads a program file from disk.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ir: read program: %w", err)
	}
	p, err := DecodeProgram(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Program) validate() error {
	if p.Version == "" {
		p.Version = ProgramFormatMajor + ".0.0"
	}
	if !semver.IsValid(p.Version) {
		return fmt.Errorf("ir: invalid program version %q", p.Version)
	}
	if major := semver.Major(p.Version); major != ProgramFormatMajor {
		return fmt.Errorf("ir: unsupported program version %s (want %s.x)", p.Version, ProgramFormatMajor)
	}
	seen := make(map[string]struct{}, len(p.Procedures))
	for _, proc := range p.Procedures {
		if _, err := proc.Info(); err != nil {
			return err
		}
		if _, dup := seen[proc.Name]; dup {
			return fmt.Errorf("ir: duplicate procedure %q", proc.Name)
		}
		seen[proc.Name] = struct{}{}
	}
	return nil
}
