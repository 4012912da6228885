package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadRoundTripsRAMSizeAndWatchpoint(t *testing.T) {
	path := writeConfig(t, `
ram_size_mb: 256
watchpoint:
  register: a0
  value: 0x1000
  action: exit
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.RAMSizeMB != 256 {
		t.Errorf("RAMSizeMB = %d, want 256", m.RAMSizeMB)
	}
	if m.Watchpoint == nil {
		t.Fatal("Watchpoint = nil, want a decoded watchpoint")
	}
	if m.Watchpoint.Register != "a0" || m.Watchpoint.Value != 0x1000 || m.Watchpoint.Action != "exit" {
		t.Errorf("Watchpoint = %+v, want {a0 0x1000 exit}", m.Watchpoint)
	}
}

func TestLoadFallsBackToDefaultRAMSize(t *testing.T) {
	path := writeConfig(t, "watchpoint:\n  register: pc\n  value: 1\n  action: step\n")

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.RAMSizeMB != DefaultRAMSizeMB {
		t.Errorf("RAMSizeMB = %d, want default %d", m.RAMSizeMB, DefaultRAMSizeMB)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestRegisterNumberResolvesABINamesAndPC(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"pc", -1},
		{"zero", 0},
		{"ra", 1},
		{"sp", 2},
		{"fp", 8}, // fp is an alias for s0
		{"a0", 10},
		{"t6", 31},
	}
	for _, c := range cases {
		got, err := RegisterNumber(c.name)
		if err != nil {
			t.Errorf("RegisterNumber(%q): %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("RegisterNumber(%q) = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestRegisterNumberUnknownNameErrors(t *testing.T) {
	if _, err := RegisterNumber("not-a-register"); err == nil {
		t.Fatal("expected an error for an unknown register name")
	}
}
