package storage

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

func minimalSnapshot() *vm.Snapshot {
	return &vm.Snapshot{
		Version: 1,
		Program: vm.ProgramSnapshot{
			ScriptName: "t",
			Functions: []vm.FunctionCodeSnapshot{
				{Name: "<module>", MaxStack: 1},
			},
		},
		SessionID:     "s1",
		Finished:      true,
		CompleteValue: models.Value{Kind: models.KindNone},
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, minimalSnapshot()); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SessionID != "s1" {
		t.Errorf("SessionID = %q, want %q", got.SessionID, "s1")
	}
	if !got.Finished {
		t.Error("Finished = false, want true")
	}
	if len(got.Program.Functions) != 1 || got.Program.Functions[0].Name != "<module>" {
		t.Errorf("Program.Functions not round-tripped: %+v", got.Program.Functions)
	}
}

func TestLoadRejectsTruncatedDump(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, minimalSnapshot()); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-10]

	if _, err := Load(bytes.NewReader(truncated)); err == nil {
		t.Error("Load on a truncated dump should fail")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, minimalSnapshot()); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	b := buf.Bytes()
	// Magic is the first 4 bytes of the little-endian Header. Resign so this
	// test isolates the magic check from the (separately tested) checksum
	// check.
	b[0] ^= 0xFF
	b = resignDump(t, b)

	if _, err := Load(bytes.NewReader(b)); err == nil {
		t.Error("Load with a corrupted magic number should fail")
	}
}

func TestLoadRejectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, minimalSnapshot()); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	b := buf.Bytes()
	// Flip a byte inside the gob-encoded body, well past the header, so the
	// header itself still parses but the trailing checksum no longer matches.
	b[headerSize+2] ^= 0xFF

	_, err := Load(bytes.NewReader(b))
	if err == nil {
		t.Fatal("Load with a tampered body should fail")
	}
	if _, ok := err.(*models.FormatError); !ok {
		t.Errorf("error type = %T, want *models.FormatError", err)
	}
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, minimalSnapshot()); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	b := buf.Bytes()

	// Version is the second uint32 in the little-endian Header, right after
	// Magic, so flipping it invalidates the version check before anything
	// downstream of it is even consulted. Recompute the checksum so this
	// test isolates the version check from the (separately tested) checksum
	// check.
	b[4] = 0xFF
	resigned := resignDump(t, b)

	if _, err := Load(bytes.NewReader(resigned)); err == nil {
		t.Error("Load with an unsupported version should fail")
	}
}

// resignDump recomputes the trailing SHA-256 checksum over a dump's body
// after a test has deliberately mutated the header, isolating the version/
// magic checks from the checksum check.
func resignDump(t *testing.T, b []byte) []byte {
	t.Helper()
	body := b[:len(b)-checksumSize]
	sum := sha256.Sum256(body)
	out := make([]byte, 0, len(body)+checksumSize)
	out = append(out, body...)
	out = append(out, sum[:]...)
	return out
}
