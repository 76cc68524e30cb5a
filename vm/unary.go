// Unary operators and the OpBoolOp truthiness test.
package vm

import (
	"math/big"

	"github.com/parcadei/ouros/models"
)

var unaryDunder = map[string]string{
	"-": "__neg__",
	"+": "__pos__",
	"~": "__invert__",
}

func (vm *VM) execUnaryOp(f *Frame, symbol string) error {
	v := f.Pop()
	if symbol == "not" {
		t, err := vm.truthy(v)
		if err != nil {
			return err
		}
		f.Push(models.Bool(!t))
		return nil
	}
	if v.IsNumber() {
		switch symbol {
		case "-":
			if vm.isIntLike(v) {
				bi, _ := vm.asBigInt(v)
				f.Push(vm.wrapInt(new(big.Int).Neg(bi)))
			} else {
				fl, _ := vm.asFloat(v)
				f.Push(vm.wrapFloat(-fl))
			}
			return nil
		case "+":
			f.Push(v)
			return nil
		case "~":
			if !vm.isIntLike(v) {
				return models.NewException("TypeError", "bad operand type for unary ~: '"+vm.kindNameOf(v)+"'")
			}
			bi, _ := vm.asBigInt(v)
			f.Push(vm.wrapInt(new(big.Int).Not(bi)))
			return nil
		}
	}
	t := vm.classOf(v)
	name, ok := unaryDunder[symbol]
	if !ok {
		return models.NewException("SystemError", "unknown unary operator "+symbol)
	}
	if t != nil {
		d := vm.lookupTypeDunder(t, name)
		if d.State == models.DunderResolved {
			return vm.callDunder(d.Func, []models.Value{v})
		}
	}
	return models.NewException("TypeError", "bad operand type for unary "+symbol+": '"+vm.kindNameOf(v)+"'")
}

// execBoolOp implements OpBoolOp: pop, push the Python bool that "if"/
// "while"/"and"/"or" desugar to, via the full truthiness protocol.
func (vm *VM) execBoolOp(f *Frame) error {
	v := f.Pop()
	t, err := vm.truthy(v)
	if err != nil {
		return err
	}
	f.Push(models.Bool(t))
	return nil
}
