// Package sim is an instruction-level AVR simulator used to check generated
// code. It executes decoded machine instructions against a register file,
// a flat data space and flash, and lets runtime-support routines be
// implemented in Go as hooks on call targets.
package sim

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/avrc/internal/asm/avr"
)

// HaltPC is the word address pushed as the return address of Call. Reaching
// it ends the run.
const HaltPC = 0xFFFF

var (
	ErrStepLimit = errors.New("sim: step limit exceeded")
	ErrBounds    = errors.New("sim: array index out of bounds")
	ErrUncaught  = errors.New("sim: uncaught exception")
	ErrDivide    = errors.New("sim: integer division by zero")
)

// Fault wraps an execution error with the word address it occurred at.
type Fault struct {
	PC  uint32
	Err error
}

func (f *Fault) Error() string { return fmt.Sprintf("sim: fault at %#x: %v", f.PC*2, f.Err) }
func (f *Fault) Unwrap() error { return f.Err }

// Hook implements a call target in Go. It runs in place of the callee, with
// SP pointing just below the caller's last pushed argument byte. PC has
// already been advanced past the CALL; a hook may redirect it.
type Hook func(c *CPU) error

// IOAccess is one read or write of the I/O window.
type IOAccess struct {
	Addr  uint16 // data-space address
	Value uint8
	Write bool
}

// Config sizes a CPU.
type Config struct {
	// DataSize is the size of the data space in bytes, including the
	// register file and I/O window.
	DataSize int
	// CodePointerSize is the number of bytes a call pushes.
	CodePointerSize int
	// MaxSteps bounds a run; zero means no bound.
	MaxSteps int
	Logger   *slog.Logger
}

// CPU is the architectural state of one core.
type CPU struct {
	R     [32]uint8
	SREG  uint8
	SP    uint16
	PC    uint32
	Flash []byte
	Data  []byte

	// IO logs accesses to the I/O window other than SP and SREG.
	IO    []IOAccess
	Steps int

	cfg   Config
	log   *slog.Logger
	hooks map[uint32]Hook
	err   error
}

// New returns a CPU with flash loaded and SP at the top of the data space.
func New(flash []byte, cfg Config) *CPU {
	if cfg.DataSize <= 0 {
		cfg.DataSize = 0x900
	}
	if cfg.CodePointerSize == 0 {
		cfg.CodePointerSize = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &CPU{
		Flash: append([]byte(nil), flash...),
		Data:  make([]byte, cfg.DataSize),
		cfg:   cfg,
		log:   cfg.Logger.With("component", "sim"),
		hooks: make(map[uint32]Hook),
	}
	c.SP = uint16(cfg.DataSize - 1)
	return c
}

// Hook installs h at word address addr.
func (c *CPU) Hook(addr uint32, h Hook) { c.hooks[addr] = h }

// Pair returns the 16-bit value of the register pair starting at lo.
func (c *CPU) Pair(lo uint8) uint16 { return uint16(c.R[lo]) | uint16(c.R[lo+1])<<8 }

// SetPair writes a 16-bit value into the register pair starting at lo.
func (c *CPU) SetPair(lo uint8, v uint16) {
	c.R[lo], c.R[lo+1] = uint8(v), uint8(v>>8)
}

func (c *CPU) fault(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Read returns the byte at a data-space address.
func (c *CPU) Read(addr uint16) uint8 {
	switch {
	case addr < 32:
		return c.R[addr]
	case addr == 0x20+avr.IOSPL:
		return uint8(c.SP)
	case addr == 0x20+avr.IOSPH:
		return uint8(c.SP >> 8)
	case addr == 0x20+avr.IOSREG:
		return c.SREG
	case int(addr) >= len(c.Data):
		c.fault(fmt.Errorf("read of %#x outside data space", addr))
		return 0
	}
	v := c.Data[addr]
	if addr <= 0x5F {
		c.IO = append(c.IO, IOAccess{Addr: addr, Value: v})
	}
	return v
}

// Write stores a byte at a data-space address.
func (c *CPU) Write(addr uint16, v uint8) {
	switch {
	case addr < 32:
		c.R[addr] = v
		return
	case addr == 0x20+avr.IOSPL:
		c.SP = c.SP&0xFF00 | uint16(v)
		return
	case addr == 0x20+avr.IOSPH:
		c.SP = c.SP&0x00FF | uint16(v)<<8
		return
	case addr == 0x20+avr.IOSREG:
		c.SREG = v
		return
	case int(addr) >= len(c.Data):
		c.fault(fmt.Errorf("write of %#x outside data space", addr))
		return
	}
	c.Data[addr] = v
	if addr <= 0x5F {
		c.IO = append(c.IO, IOAccess{Addr: addr, Value: v, Write: true})
	}
}

// Read16 reads a little-endian word.
func (c *CPU) Read16(addr uint16) uint16 {
	return uint16(c.Read(addr)) | uint16(c.Read(addr+1))<<8
}

// Write16 writes a little-endian word.
func (c *CPU) Write16(addr uint16, v uint16) {
	c.Write(addr, uint8(v))
	c.Write(addr+1, uint8(v>>8))
}

func (c *CPU) push(v uint8) {
	c.Write(c.SP, v)
	c.SP--
}

func (c *CPU) pop() uint8 {
	c.SP++
	return c.Read(c.SP)
}

// pushPC pushes a return address, low byte first.
func (c *CPU) pushPC(pc uint32) {
	for i := 0; i < c.cfg.CodePointerSize; i++ {
		c.push(uint8(pc >> (8 * i)))
	}
}

// popPC pops a return address, high byte first.
func (c *CPU) popPC() uint32 {
	var pc uint32
	for i := c.cfg.CodePointerSize - 1; i >= 0; i-- {
		pc |= uint32(c.pop()) << (8 * i)
	}
	return pc
}

// Call runs the code at word address entry as a subroutine until it
// returns.
func (c *CPU) Call(entry uint32) error {
	c.pushPC(HaltPC)
	c.PC = entry
	for c.PC != HaltPC {
		if c.cfg.MaxSteps > 0 && c.Steps >= c.cfg.MaxSteps {
			return &Fault{PC: c.PC, Err: ErrStepLimit}
		}
		if err := c.Step(); err != nil {
			return err
		}
	}
	c.log.Debug("returned", "steps", c.Steps)
	return nil
}

// fetch decodes the instruction at word address pc.
func (c *CPU) fetch(pc uint32) (avr.Instruction, error) {
	at := int(pc) * 2
	if at < 0 || at+2 > len(c.Flash) {
		return avr.Instruction{}, fmt.Errorf("fetch outside flash")
	}
	ins, _, err := avr.Decode(c.Flash[at:])
	return ins, err
}

// Step executes one instruction.
func (c *CPU) Step() error {
	pc := c.PC
	ins, err := c.fetch(pc)
	if err != nil {
		return &Fault{PC: pc, Err: err}
	}
	c.PC += uint32(ins.Size / 2)
	c.Steps++
	if err := c.exec(&ins, pc); err != nil {
		return &Fault{PC: pc, Err: err}
	}
	if c.err != nil {
		err := c.err
		c.err = nil
		return &Fault{PC: pc, Err: err}
	}
	return nil
}
