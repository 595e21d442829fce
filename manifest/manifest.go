// Package manifest handles ferrite.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a ferrite.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Machine MachineConfig `toml:"machine"`
	Heap    HeapConfig    `toml:"heap"`
	Program ProgramConfig `toml:"program"`
	Image   ImageConfig   `toml:"image"`

	// Dir is the directory containing the ferrite.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// MachineConfig shapes the machines built for this project. Zero values
// mean the machine defaults.
type MachineConfig struct {
	StackCapacity int    `toml:"stack-capacity"`
	Registers     int    `toml:"registers"`
	StepLimit     uint64 `toml:"step-limit"`
}

// HeapConfig shapes the heap built for this project.
type HeapConfig struct {
	SizeClasses   []int `toml:"size-classes"`
	ClassCapacity int   `toml:"class-capacity"`
}

// ProgramConfig locates the program: a raw bytecode file plus its entry
// offset and inputs.
type ProgramConfig struct {
	Code    string   `toml:"code"`
	Entry   uint32   `toml:"entry"`
	AInputs []uint64 `toml:"a-inputs"`
	BInputs []uint64 `toml:"b-inputs"`
}

// ImageConfig configures image output.
type ImageConfig struct {
	Output string `toml:"output"`
}

// Load parses a ferrite.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "ferrite.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Heap.SizeClasses) == 0 {
		m.Heap.SizeClasses = []int{2, 4, 8, 16}
	}
	if m.Program.Code == "" {
		m.Program.Code = "program.bin"
	}
	if m.Image.Output == "" {
		m.Image.Output = m.Project.Name + ".fri"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a ferrite.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "ferrite.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// CodePath returns the absolute path of the configured bytecode file.
func (m *Manifest) CodePath() string {
	if filepath.IsAbs(m.Program.Code) {
		return m.Program.Code
	}
	return filepath.Join(m.Dir, m.Program.Code)
}

// OutputPath returns the absolute path of the configured image output.
func (m *Manifest) OutputPath() string {
	if filepath.IsAbs(m.Image.Output) {
		return m.Image.Output
	}
	return filepath.Join(m.Dir, m.Image.Output)
}
