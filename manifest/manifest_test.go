package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// writeManifest writes a ferrite.toml with the given content into dir.
func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, "ferrite.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
}

// TestLoad verifies all sections parse, including the dashed keys.
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "demo"
version = "0.1.0"

[machine]
stack-capacity = 256
registers = 8
step-limit = 100000

[heap]
size-classes = [2, 8]
class-capacity = 128

[program]
code = "build/demo.bin"
entry = 4
a-inputs = [1, 2]
b-inputs = [7]

[image]
output = "out/demo.fri"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "demo" || m.Project.Version != "0.1.0" {
		t.Errorf("project = %+v", m.Project)
	}
	if m.Machine.StackCapacity != 256 || m.Machine.Registers != 8 || m.Machine.StepLimit != 100000 {
		t.Errorf("machine = %+v", m.Machine)
	}
	if !reflect.DeepEqual(m.Heap.SizeClasses, []int{2, 8}) || m.Heap.ClassCapacity != 128 {
		t.Errorf("heap = %+v", m.Heap)
	}
	if m.Program.Code != "build/demo.bin" || m.Program.Entry != 4 {
		t.Errorf("program = %+v", m.Program)
	}
	if !reflect.DeepEqual(m.Program.AInputs, []uint64{1, 2}) || !reflect.DeepEqual(m.Program.BInputs, []uint64{7}) {
		t.Errorf("inputs = %+v", m.Program)
	}
	if m.Image.Output != "out/demo.fri" {
		t.Errorf("image = %+v", m.Image)
	}
	if m.Dir == "" || !filepath.IsAbs(m.Dir) {
		t.Errorf("Dir = %q, want absolute", m.Dir)
	}
}

// TestLoadDefaults verifies a minimal manifest gets the documented
// defaults.
func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "tiny"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(m.Heap.SizeClasses, []int{2, 4, 8, 16}) {
		t.Errorf("default size classes = %v", m.Heap.SizeClasses)
	}
	if m.Program.Code != "program.bin" {
		t.Errorf("default code = %q", m.Program.Code)
	}
	if m.Image.Output != "tiny.fri" {
		t.Errorf("default output = %q", m.Image.Output)
	}
	if m.Machine.StackCapacity != 0 || m.Machine.StepLimit != 0 {
		t.Errorf("machine should stay zero for defaults: %+v", m.Machine)
	}
}

// TestLoadMissing verifies a missing file is reported with its path.
func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil {
		t.Fatal("Load should fail with no manifest")
	}
	if !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("err = %v", err)
	}
}

// TestLoadParseError verifies malformed TOML is reported as a parse error.
func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project\nname = broken")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("Load should fail on malformed TOML")
	}
	if !strings.Contains(err.Error(), "parse error") {
		t.Errorf("err = %v", err)
	}
}

// TestFindAndLoad verifies the walk up from a nested directory.
func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[project]
name = "walkup"
`)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad found nothing")
	}
	if m.Project.Name != "walkup" {
		t.Errorf("name = %q, want walkup", m.Project.Name)
	}

	rootAbs, _ := filepath.Abs(root)
	if m.Dir != rootAbs {
		t.Errorf("Dir = %q, want %q", m.Dir, rootAbs)
	}
}

// TestFindAndLoadNotFound verifies the nil, nil contract when no manifest
// exists anywhere up the tree.
func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad errored: %v", err)
	}
	if m != nil {
		t.Errorf("FindAndLoad = %+v, want nil", m)
	}
}

// TestPaths verifies relative paths resolve against the manifest directory
// and absolute paths pass through.
func TestPaths(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "paths"

[program]
code = "build/paths.bin"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got, want := m.CodePath(), filepath.Join(m.Dir, "build", "paths.bin"); got != want {
		t.Errorf("CodePath() = %q, want %q", got, want)
	}
	if got, want := m.OutputPath(), filepath.Join(m.Dir, "paths.fri"); got != want {
		t.Errorf("OutputPath() = %q, want %q", got, want)
	}

	abs := filepath.Join(t.TempDir(), "elsewhere.bin")
	m.Program.Code = abs
	if got := m.CodePath(); got != abs {
		t.Errorf("absolute CodePath() = %q, want %q", got, abs)
	}
}
