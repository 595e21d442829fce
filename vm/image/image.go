// Package image defines the portable container for executable machine
// images: bytecode, inputs, and the machine/heap shape needed to run it.
//
// On the wire an image is an 8-byte header (magic, format version, reserved
// flags) followed by a canonical CBOR body, so the same logical image always
// encodes to the same bytes and its hash is stable.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ferrite-lang/ferrite/vm"
)

const (
	// FormatVersion is the current wire format version.
	FormatVersion = 1

	headerLen = 8
)

var magic = [4]byte{'F', 'E', 'R', 'I'}

var (
	ErrBadMagic           = errors.New("image: bad magic")
	ErrUnsupportedVersion = errors.New("image: unsupported format version")
	ErrReservedFlags      = errors.New("image: reserved flags set")
	ErrInvalidImage       = errors.New("image: invalid")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: building CBOR encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("image: building CBOR decode mode: %v", err))
	}
}

// Image is one executable unit. Inputs are raw 64-bit payloads; references
// are runtime-only and never persist.
//
// Zero-valued shape fields (ClassCapacity, StackCapacity, Registers,
// StepLimit) mean "use the machine defaults", so an image only pins the
// resources it actually cares about.
type Image struct {
	Name          string            `cbor:"1,keyasint"`
	Code          []byte            `cbor:"2,keyasint"`
	Entry         uint32            `cbor:"3,keyasint,omitempty"`
	AInputs       []uint64          `cbor:"4,keyasint,omitempty"`
	BInputs       []uint64          `cbor:"5,keyasint,omitempty"`
	SizeClasses   []int             `cbor:"6,keyasint"`
	ClassCapacity int               `cbor:"7,keyasint,omitempty"`
	StackCapacity int               `cbor:"8,keyasint,omitempty"`
	Registers     int               `cbor:"9,keyasint,omitempty"`
	StepLimit     uint64            `cbor:"10,keyasint,omitempty"`
	Notes         map[string]string `cbor:"11,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// Encode writes the image to w.
func (img *Image) Encode(w io.Writer) error {
	body, err := encMode.Marshal(img)
	if err != nil {
		return fmt.Errorf("encoding image body: %w", err)
	}

	var header [headerLen]byte
	copy(header[0:4], magic[:])
	binary.BigEndian.PutUint16(header[4:6], FormatVersion)
	binary.BigEndian.PutUint16(header[6:8], 0) // flags, reserved

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing image header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing image body: %w", err)
	}
	return nil
}

// EncodeBytes returns the image's wire encoding.
func (img *Image) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := img.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one image from r.
func Decode(r io.Reader) (*Image, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading image header: %w", err)
	}
	if !bytes.Equal(header[0:4], magic[:]) {
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	if f := binary.BigEndian.Uint16(header[6:8]); f != 0 {
		return nil, fmt.Errorf("%w: 0x%04X", ErrReservedFlags, f)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading image body: %w", err)
	}
	var img Image
	if err := decMode.Unmarshal(body, &img); err != nil {
		return nil, fmt.Errorf("decoding image body: %w", err)
	}
	return &img, nil
}

// DecodeBytes decodes an image from its wire encoding.
func DecodeBytes(data []byte) (*Image, error) {
	return Decode(bytes.NewReader(data))
}

// Hash returns the hex SHA-256 of the image's wire encoding. The canonical
// body encoding makes it stable across encode/decode round trips.
func (img *Image) Hash() (string, error) {
	data, err := img.EncodeBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the image's static properties: a name, a well-formed
// instruction stream, an in-range entry offset, and usable size classes.
// Runtime properties (jump targets, input indexes, slot indexes) are
// checked by the machine as it executes.
func (img *Image) Validate() error {
	if img.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidImage)
	}
	if int64(img.Entry) > int64(len(img.Code)) {
		return fmt.Errorf("%w: entry %d past code end %d", ErrInvalidImage, img.Entry, len(img.Code))
	}

	for off := 0; off < len(img.Code); {
		op := vm.Opcode(img.Code[off])
		if !op.IsValid() {
			return fmt.Errorf("%w: unknown opcode 0x%02X at offset %d", ErrInvalidImage, byte(op), off)
		}
		n := op.InstructionLen()
		if off+n > len(img.Code) {
			return fmt.Errorf("%w: truncated %s at offset %d", ErrInvalidImage, op, off)
		}
		off += n
	}

	if len(img.SizeClasses) == 0 {
		return fmt.Errorf("%w: no size classes", ErrInvalidImage)
	}
	seen := make(map[int]bool, len(img.SizeClasses))
	for _, size := range img.SizeClasses {
		if size <= 0 || size > vm.MaxObjectSlots {
			return fmt.Errorf("%w: size class %d out of range", ErrInvalidImage, size)
		}
		if seen[size] {
			return fmt.Errorf("%w: duplicate size class %d", ErrInvalidImage, size)
		}
		seen[size] = true
	}
	if img.ClassCapacity < 0 {
		return fmt.Errorf("%w: negative class capacity", ErrInvalidImage)
	}
	if img.StackCapacity < 0 {
		return fmt.Errorf("%w: negative stack capacity", ErrInvalidImage)
	}
	if img.Registers < 0 || img.Registers > 256 {
		return fmt.Errorf("%w: register count %d out of range", ErrInvalidImage, img.Registers)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runtime construction
// ---------------------------------------------------------------------------

// NewHeap builds a heap shaped for this image.
func (img *Image) NewHeap() (*vm.Heap, error) {
	var opts []vm.HeapOption
	if img.ClassCapacity > 0 {
		opts = append(opts, vm.WithClassCapacity(img.ClassCapacity))
	}
	return vm.NewHeap(img.SizeClasses, opts...)
}

// NewMachine builds a machine for this image against heap. Options from the
// image are applied first, so callers can override them.
func (img *Image) NewMachine(heap *vm.Heap, opts ...vm.MachineOption) (*vm.Machine, error) {
	var all []vm.MachineOption
	if img.StackCapacity > 0 {
		all = append(all, vm.WithStackCapacity(img.StackCapacity))
	}
	if img.Registers > 0 {
		all = append(all, vm.WithRegisterCount(img.Registers))
	}
	if img.StepLimit > 0 {
		all = append(all, vm.WithStepLimit(img.StepLimit))
	}
	all = append(all, opts...)
	return vm.NewMachine(img.Code, int(img.Entry), rawValues(img.AInputs), rawValues(img.BInputs), heap, all...)
}

func rawValues(payloads []uint64) []vm.Value {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]vm.Value, len(payloads))
	for i, p := range payloads {
		vals[i] = vm.FromUint64(p)
	}
	return vals
}
