package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrite-lang/ferrite/manifest"
	"github.com/ferrite-lang/ferrite/store"
	"github.com/ferrite-lang/ferrite/vm"
	"github.com/ferrite-lang/ferrite/vm/image"
)

// TestProjectPipeline drives the whole toolchain the way the CLI does:
// a project directory with a manifest and raw bytecode becomes an image,
// the image goes through the content store, and the decoded copy runs
// against a swept heap.
func TestProjectPipeline(t *testing.T) {
	dir := t.TempDir()

	// The program computes (a[0] + b[0]) * 2 through a heap object.
	b := vm.NewBytecodeBuilder()
	b.EmitByte(vm.OpNewObject, 0)
	b.Emit(vm.OpDuplicate)
	b.EmitByte(vm.OpPushA, 0)
	b.EmitByte(vm.OpPushB, 0)
	b.Emit(vm.OpAdd)
	b.Emit(vm.OpDuplicate)
	b.Emit(vm.OpAdd)
	b.EmitByte(vm.OpStoreSlot, 1)
	b.EmitByte(vm.OpLoadSlot, 1)
	b.Emit(vm.OpHalt)

	if err := os.WriteFile(filepath.Join(dir, "program.bin"), b.Bytes(), 0o644); err != nil {
		t.Fatalf("writing program: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ferrite.toml"), []byte(`
[project]
name = "pipeline"
version = "0.1.0"

[machine]
step-limit = 10000

[heap]
size-classes = [2, 4]
class-capacity = 8

[program]
code = "program.bin"
a-inputs = [20]
b-inputs = [1]
`), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	// The manifest is found from anywhere inside the project.
	nested := filepath.Join(dir, "src", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	m, err := manifest.FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("manifest not found")
	}

	// Build the image the way `fer build` does.
	code, err := os.ReadFile(m.CodePath())
	if err != nil {
		t.Fatalf("reading code: %v", err)
	}
	img := &image.Image{
		Name:          m.Project.Name,
		Code:          code,
		Entry:         m.Program.Entry,
		AInputs:       m.Program.AInputs,
		BInputs:       m.Program.BInputs,
		SizeClasses:   m.Heap.SizeClasses,
		ClassCapacity: m.Heap.ClassCapacity,
		StackCapacity: m.Machine.StackCapacity,
		Registers:     m.Machine.Registers,
		StepLimit:     m.Machine.StepLimit,
	}
	if err := img.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	data, err := img.EncodeBytes()
	if err != nil {
		t.Fatalf("EncodeBytes failed: %v", err)
	}
	if err := os.WriteFile(m.OutputPath(), data, 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	// Through the content store: Put's hash must agree with the image's
	// own content hash.
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	putHash, err := s.Put(img.Name, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	imgHash, err := img.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if putHash != imgHash {
		t.Errorf("store hash %s != image hash %s", putHash, imgHash)
	}

	stored, err := s.Get(putHash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Run the stored copy.
	loaded, err := image.DecodeBytes(stored)
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	heap, err := loaded.NewHeap()
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	sweeper := vm.NewSweeper(heap, 10*time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	machine, err := loaded.NewMachine(heap)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	if err := machine.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	top, ok := machine.Top()
	if !ok || top != vm.FromUint64(42) {
		t.Errorf("result = %v, want Raw(42)", top)
	}
	if stats := heap.Stats(); stats.Allocs != 1 {
		t.Errorf("heap allocs = %d, want 1", stats.Allocs)
	}
	t.Logf("pipeline: %d steps, image %s", machine.Steps(), putHash[:12])
}
