package api

import (
	"encoding/base64"
	"fmt"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

// coerceConstPayloads repairs the dynamic types encoding/json leaves behind
// in a *vm.CompiledProgram's ConstPayloads after unmarshaling a JSON request
// body: every payload arrives as one of JSON's own generic types (string,
// float64, bool, []interface{}, map[string]interface{}, nil), but
// vm.materializeConstant type-asserts each payload against the concrete Go
// type the Builder would have produced (string for KindStr, int64 for a
// small KindInt, *models.Bytes for KindBytes, ...). This walks
// prog.Constants/ConstPayloads and fixes up the payloads whose kind has an
// unambiguous JSON projection; a constant of a kind that needs its own
// nested heap graph (KindTuple, KindList, KindDict, KindSet, ...) has no
// such projection and is rejected — the hand-written assembler the driver
// API exposes directly (vm.Builder) is the supported way to hand those in.
func coerceConstPayloads(prog *vm.CompiledProgram) error {
	for idx, payload := range prog.ConstPayloads {
		kind := prog.Constants[idx].Kind
		switch kind {
		case models.KindStr:
			s, ok := payload.(string)
			if !ok {
				return fmt.Errorf("constant %d: KindStr payload must be a JSON string", idx)
			}
			prog.ConstPayloads[idx] = s
		case models.KindInt:
			n, ok := payload.(float64)
			if !ok {
				return fmt.Errorf("constant %d: KindInt payload must be a JSON number", idx)
			}
			prog.ConstPayloads[idx] = int64(n)
		case models.KindFloat:
			n, ok := payload.(float64)
			if !ok {
				return fmt.Errorf("constant %d: KindFloat payload must be a JSON number", idx)
			}
			prog.ConstPayloads[idx] = n
		case models.KindBytes, models.KindBytearray:
			s, ok := payload.(string)
			if !ok {
				return fmt.Errorf("constant %d: byte-string payload must be a base64 JSON string", idx)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("constant %d: %w", idx, err)
			}
			if kind == models.KindBytes {
				prog.ConstPayloads[idx] = &models.Bytes{B: b}
			} else {
				prog.ConstPayloads[idx] = &models.Bytearray{B: b}
			}
		default:
			return fmt.Errorf("constant %d: kind %s cannot be supplied as a JSON literal over the wire; build it with vm.Builder instead", idx, models.KindName(kind))
		}
	}
	return nil
}
