// Package config loads the optional YAML machine configuration file that
// supplements rv64emu's command-line flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine describes the subset of machine layout a user may want to override
// without recompiling: RAM size and the fixed watchpoint used by test
// harnesses. Bus addresses (CLINT/PLIC/UART/virtio) are architectural and
// are not configurable.
type Machine struct {
	RAMSizeMB  uint64      `yaml:"ram_size_mb,omitempty"`
	Watchpoint *Watchpoint `yaml:"watchpoint,omitempty"`
}

// Watchpoint mirrors rv64.Watchpoint in a form that survives YAML
// round-tripping; rv64.Watchpoint.Reg in the decoded form is always the
// register number, -1 meaning PC.
type Watchpoint struct {
	Register string `yaml:"register"` // "pc" or an ABI register name (t0, gp, ...)
	Value    uint64 `yaml:"value"`
	Action   string `yaml:"action"` // "exit" or "step"
}

// DefaultRAMSizeMB is used when the config omits ram_size_mb.
const DefaultRAMSizeMB = 128

// Load reads and parses a YAML machine config from path.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if m.RAMSizeMB == 0 {
		m.RAMSizeMB = DefaultRAMSizeMB
	}
	return &m, nil
}

// abiRegisters maps RISC-V ABI register names to their x-register number.
var abiRegisters = map[string]int{
	"zero": 0, "ra": 1, "sp": 2, "gp": 3, "tp": 4,
	"t0": 5, "t1": 6, "t2": 7,
	"s0": 8, "fp": 8, "s1": 9,
	"a0": 10, "a1": 11, "a2": 12, "a3": 13, "a4": 14, "a5": 15, "a6": 16, "a7": 17,
	"s2": 18, "s3": 19, "s4": 20, "s5": 21, "s6": 22, "s7": 23, "s8": 24, "s9": 25, "s10": 26, "s11": 27,
	"t3": 28, "t4": 29, "t5": 30, "t6": 31,
}

// RegisterNumber resolves an ABI register name (or "pc") to the encoding
// rv64.Watchpoint expects: -1 for pc, 0..31 for x0..x31.
func RegisterNumber(name string) (int, error) {
	if name == "pc" {
		return -1, nil
	}
	if n, ok := abiRegisters[name]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("config: unknown register %q", name)
}
