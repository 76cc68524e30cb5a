// Package storage implements the on-disk dump format for a suspended VM
// (C7, §4.7). The container discipline — fixed header, offset/size table,
// trailing checksum — is grounded on the teacher's EntityDB Binary Format
// (teacher_format.go): a magic number, a version field checked on load, and
// section offsets resolved through a small fixed header rather than a
// self-describing stream. Where the teacher's entity content is an opaque
// byte blob it never has to interpret structurally, this format's payload
// (vm.Snapshot, already flattened to exported fields only) is encoded with
// encoding/gob rather than hand-packed field by field: the pack carries no
// wired serialization library for arbitrary Go values (the one candidate,
// protobuf, only ever appears as an indirect transitive dependency of gRPC
// tooling and needs generated .pb.go code this module cannot produce), and
// gob is the stdlib's own answer to exactly this problem — encoding a tree
// of plain structs without per-field wire code. The header and checksum
// framing around it is what carries the teacher's format forward.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

const (
	// DumpMagic identifies a Ouros VM dump ("OURO").
	DumpMagic uint32 = 0x4F55524F

	// DumpVersion is the current on-disk format version. Bumping it is a
	// breaking change to every dump written so far (§4.7 decoding is total:
	// an old dump against a new version fails cleanly, never partially).
	DumpVersion uint32 = 1

	// headerSize is the fixed size, in bytes, of the Header block.
	headerSize = 72

	// checksumSize is the trailing SHA-256 digest size in bytes.
	checksumSize = sha256.Size
)

// Header is the fixed-size block at offset 0 of a dump file, giving the
// byte range of each gob-encoded section. Mirrors the teacher's Header:
// a magic number and version the reader validates before trusting
// anything else, plus an offset/size pair per section instead of
// length-prefixing the stream inline.
type Header struct {
	Magic   uint32
	Version uint32

	ProgramOffset uint64
	ProgramSize   uint64

	HeapOffset uint64
	HeapSize   uint64

	FramesOffset uint64
	FramesSize   uint64

	MetaOffset uint64
	MetaSize   uint64
}

func (h *Header) write(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, h)
}

func (h *Header) read(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, h)
}

// heapSection and framesSection group the Snapshot fields that travel
// together in one gob section, so the section boundary lines up with a
// coherent piece of VM state rather than splitting arbitrarily.
type heapSection struct {
	Heap            []vm.HeapObjectSnapshot
	InternedStrings map[string]models.HeapId
	InternedInts    map[int64]models.HeapId
}

type framesSection struct {
	FramePool []vm.FrameSnapshot
	Frames    []int
}

// metaSection carries everything else: continuation registers, pending
// tables, and resource-tracker state (§4.7's "continuation registers,
// suspension state, pending-call table").
type metaSection struct {
	Version int

	PendingBinaries   []vm.PendingBinary
	PendingForIters   []vm.PendingForIter
	PendingSubscripts []vm.PendingSubscript
	PendingMemberships []vm.PendingMembership
	PendingCalls      []vm.PendingCall
	NextCallID        uint64

	Finished      bool
	CompleteValue models.Value

	SessionID   string
	Limits      vm.Limits
	Allocations int64
	MemoryBytes int64
}

// Encoder writes a single Snapshot to an io.Writer. Like the teacher's
// Writer, errors are sticky: once a write fails, every subsequent call is a
// no-op and the first error is what Close (or Encode, when used as a
// one-shot) returns.
type Encoder struct {
	w   io.Writer
	err error
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes snap to the encoder's writer as a complete dump: header,
// four gob sections (program, heap, frames, meta), trailing checksum. It is meant to be called once per
// Encoder.
func (e *Encoder) Encode(snap *vm.Snapshot) error {
	if e.err != nil {
		return e.err
	}

	programBytes, err := e.gobEncode(snap.Program)
	if err != nil {
		return e.fail(err)
	}
	heapBytes, err := e.gobEncode(heapSection{
		Heap:            snap.Heap,
		InternedStrings: snap.InternedStrings,
		InternedInts:    snap.InternedInts,
	})
	if err != nil {
		return e.fail(err)
	}
	framesBytes, err := e.gobEncode(framesSection{FramePool: snap.FramePool, Frames: snap.Frames})
	if err != nil {
		return e.fail(err)
	}
	metaBytes, err := e.gobEncode(metaSection{
		Version:           snap.Version,
		PendingBinaries:   snap.PendingBinaries,
		PendingForIters:   snap.PendingForIters,
		PendingSubscripts: snap.PendingSubscripts,
		PendingMemberships: snap.PendingMemberships,
		PendingCalls:      snap.PendingCalls,
		NextCallID:        snap.NextCallID,
		Finished:          snap.Finished,
		CompleteValue:     snap.CompleteValue,
		SessionID:         snap.SessionID,
		Limits:            snap.Limits,
		Allocations:       snap.Allocations,
		MemoryBytes:       snap.MemoryBytes,
	})
	if err != nil {
		return e.fail(err)
	}

	off := uint64(headerSize)
	hdr := Header{
		Magic:   DumpMagic,
		Version: DumpVersion,

		ProgramOffset: off,
		ProgramSize:   uint64(len(programBytes)),
	}
	off += hdr.ProgramSize
	hdr.HeapOffset, hdr.HeapSize = off, uint64(len(heapBytes))
	off += hdr.HeapSize
	hdr.FramesOffset, hdr.FramesSize = off, uint64(len(framesBytes))
	off += hdr.FramesSize
	hdr.MetaOffset, hdr.MetaSize = off, uint64(len(metaBytes))

	digest := sha256.New()
	body := io.MultiWriter(e.w, digest)

	if err := hdr.write(body); err != nil {
		return e.fail(err)
	}
	for _, section := range [][]byte{programBytes, heapBytes, framesBytes, metaBytes} {
		if _, err := body.Write(section); err != nil {
			return e.fail(err)
		}
	}
	sum := digest.Sum(nil)
	if _, err := e.w.Write(sum); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Encoder) gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) fail(err error) error {
	e.err = err
	return err
}

// Decoder reads a single Snapshot from an io.Reader. Decoding is total
// (§4.7): any structural problem — bad magic, unsupported version, a
// truncated section, a checksum mismatch — is reported as a *FormatError
// and no partial Snapshot is ever returned.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r. r must support reading the
// entire dump; Decode buffers it in memory to verify the trailing checksum
// before trusting any section, the same "verify before use" discipline the
// teacher's reader applies to its own checksummed blocks.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads and validates a complete dump, returning the reconstructed
// Snapshot on success.
func (d *Decoder) Decode() (*vm.Snapshot, error) {
	all, err := io.ReadAll(d.r)
	if err != nil {
		return nil, wrapFormatError("read dump", err)
	}
	if len(all) < headerSize+checksumSize {
		return nil, models.FormatErr("dump too short to contain a header and checksum")
	}

	body := all[:len(all)-checksumSize]
	wantSum := all[len(all)-checksumSize:]
	gotSum := sha256.Sum256(body)
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, models.FormatErr("checksum mismatch")
	}

	var hdr Header
	if err := hdr.read(bytes.NewReader(body[:headerSize])); err != nil {
		return nil, wrapFormatError("read header", err)
	}
	if hdr.Magic != DumpMagic {
		return nil, models.FormatErr("bad magic number")
	}
	if hdr.Version != DumpVersion {
		return nil, models.FormatErr(fmt.Sprintf("unsupported dump version %d", hdr.Version))
	}

	programBytes, err := sliceSection(body, hdr.ProgramOffset, hdr.ProgramSize)
	if err != nil {
		return nil, err
	}
	heapBytes, err := sliceSection(body, hdr.HeapOffset, hdr.HeapSize)
	if err != nil {
		return nil, err
	}
	framesBytes, err := sliceSection(body, hdr.FramesOffset, hdr.FramesSize)
	if err != nil {
		return nil, err
	}
	metaBytes, err := sliceSection(body, hdr.MetaOffset, hdr.MetaSize)
	if err != nil {
		return nil, err
	}

	var program vm.ProgramSnapshot
	if err := gobDecode(programBytes, &program); err != nil {
		return nil, wrapFormatError("decode program section", err)
	}
	var heap heapSection
	if err := gobDecode(heapBytes, &heap); err != nil {
		return nil, wrapFormatError("decode heap section", err)
	}
	var frames framesSection
	if err := gobDecode(framesBytes, &frames); err != nil {
		return nil, wrapFormatError("decode frames section", err)
	}
	var meta metaSection
	if err := gobDecode(metaBytes, &meta); err != nil {
		return nil, wrapFormatError("decode meta section", err)
	}

	return &vm.Snapshot{
		Version:           meta.Version,
		Program:           program,
		Heap:              heap.Heap,
		InternedStrings:   heap.InternedStrings,
		InternedInts:      heap.InternedInts,
		FramePool:         frames.FramePool,
		Frames:            frames.Frames,
		PendingBinaries:   meta.PendingBinaries,
		PendingForIters:   meta.PendingForIters,
		PendingSubscripts: meta.PendingSubscripts,
		PendingMemberships: meta.PendingMemberships,
		PendingCalls:      meta.PendingCalls,
		NextCallID:        meta.NextCallID,
		Finished:          meta.Finished,
		CompleteValue:     meta.CompleteValue,
		SessionID:         meta.SessionID,
		Limits:            meta.Limits,
		Allocations:       meta.Allocations,
		MemoryBytes:       meta.MemoryBytes,
	}, nil
}

func sliceSection(body []byte, offset, size uint64) ([]byte, error) {
	if offset > uint64(len(body)) || offset+size > uint64(len(body)) {
		return nil, models.FormatErr("section out of range")
	}
	return body[offset : offset+size], nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func wrapFormatError(step string, err error) error {
	return models.FormatErr(fmt.Sprintf("%s: %v", step, err))
}

// Dump is the convenience one-shot wrapper driver code reaches for, pairing
// NewEncoder with a single Encode call (§4.7 "suspend ... produces a dump").
func Dump(w io.Writer, snap *vm.Snapshot) error {
	return NewEncoder(w).Encode(snap)
}

// Load is the convenience one-shot counterpart to Dump, pairing NewDecoder
// with a single Decode call (§4.7 "resume ... from a dump").
func Load(r io.Reader) (*vm.Snapshot, error) {
	return NewDecoder(r).Decode()
}
