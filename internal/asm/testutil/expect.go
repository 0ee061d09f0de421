package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

// Op builds an expectation from an assembler line such as "ldi r16, 0x05".
// The first field is the mnemonic; the remainder must appear verbatim.
func Op(text string) Expectation {
	fields := strings.Fields(text)
	exp := Expectation{Name: text}
	if len(fields) == 0 {
		return exp
	}
	exp.Mnemonic = strings.ToLower(fields[0])
	if len(fields) > 1 {
		exp.Contains = []string{strings.Join(fields[1:], " ")}
	}
	return exp
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations walks the disassembly and ensures each expectation is
// satisfied in order. Extra instructions after all expectations are ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\nline: %s", exp.Name, idx, err, line.Text)
		}
	}
}

// VerifyExact is VerifyExpectations without tolerance for trailing lines.
func VerifyExact(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) != len(expect) {
		var got []string
		for _, l := range lines {
			got = append(got, l.Normalized)
		}
		t.Fatalf("disassembly has %d instructions, want %d:\n%s", len(lines), len(expect), strings.Join(got, "\n"))
	}
	VerifyExpectations(t, lines, expect)
}
