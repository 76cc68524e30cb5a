package api

import (
	"encoding/base64"
	"testing"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

func programWith(kind models.Kind, payload interface{}) *vm.CompiledProgram {
	return &vm.CompiledProgram{
		Constants:     []models.Value{{Kind: kind}},
		ConstPayloads: map[int]interface{}{0: payload},
	}
}

func TestCoerceConstPayloadsStr(t *testing.T) {
	prog := programWith(models.KindStr, "hello")
	if err := coerceConstPayloads(prog); err != nil {
		t.Fatalf("coerceConstPayloads: %v", err)
	}
	if s, ok := prog.ConstPayloads[0].(string); !ok || s != "hello" {
		t.Errorf("expected payload to stay a string \"hello\", got %#v", prog.ConstPayloads[0])
	}
}

func TestCoerceConstPayloadsInt(t *testing.T) {
	prog := programWith(models.KindInt, float64(42))
	if err := coerceConstPayloads(prog); err != nil {
		t.Fatalf("coerceConstPayloads: %v", err)
	}
	if n, ok := prog.ConstPayloads[0].(int64); !ok || n != 42 {
		t.Errorf("expected payload coerced to int64(42), got %#v", prog.ConstPayloads[0])
	}
}

func TestCoerceConstPayloadsFloat(t *testing.T) {
	prog := programWith(models.KindFloat, float64(1.5))
	if err := coerceConstPayloads(prog); err != nil {
		t.Fatalf("coerceConstPayloads: %v", err)
	}
	if f, ok := prog.ConstPayloads[0].(float64); !ok || f != 1.5 {
		t.Errorf("expected payload to stay float64(1.5), got %#v", prog.ConstPayloads[0])
	}
}

func TestCoerceConstPayloadsBytes(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("abc"))
	prog := programWith(models.KindBytes, encoded)
	if err := coerceConstPayloads(prog); err != nil {
		t.Fatalf("coerceConstPayloads: %v", err)
	}
	b, ok := prog.ConstPayloads[0].(*models.Bytes)
	if !ok || string(b.B) != "abc" {
		t.Errorf("expected payload decoded to *models.Bytes{\"abc\"}, got %#v", prog.ConstPayloads[0])
	}
}

func TestCoerceConstPayloadsBytearray(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("xyz"))
	prog := programWith(models.KindBytearray, encoded)
	if err := coerceConstPayloads(prog); err != nil {
		t.Fatalf("coerceConstPayloads: %v", err)
	}
	b, ok := prog.ConstPayloads[0].(*models.Bytearray)
	if !ok || string(b.B) != "xyz" {
		t.Errorf("expected payload decoded to *models.Bytearray{\"xyz\"}, got %#v", prog.ConstPayloads[0])
	}
}

func TestCoerceConstPayloadsWrongJSONType(t *testing.T) {
	prog := programWith(models.KindInt, "not-a-number")
	if err := coerceConstPayloads(prog); err == nil {
		t.Error("expected error for KindInt payload that isn't a JSON number")
	}
}

func TestCoerceConstPayloadsRejectsNestedKind(t *testing.T) {
	prog := programWith(models.KindList, []interface{}{})
	if err := coerceConstPayloads(prog); err == nil {
		t.Error("expected error for a kind requiring a nested heap graph (KindList)")
	}
}

func TestCoerceConstPayloadsInvalidBase64(t *testing.T) {
	prog := programWith(models.KindBytes, "not valid base64!!")
	if err := coerceConstPayloads(prog); err == nil {
		t.Error("expected error for invalid base64 byte-string payload")
	}
}
