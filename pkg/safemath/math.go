// Package safemath provides checked 256-bit unsigned arithmetic. Every
// operation returns an error instead of wrapping.
package safemath

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow  = errors.New("arithmetic overflow")
	ErrUnderflow = errors.New("arithmetic underflow")
	ErrDivByZero = errors.New("division by zero")
)

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y, failing when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns x * y.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulUint64 is Mul with a machine-word right operand.
func MulUint64(x *uint256.Int, y uint64) (*uint256.Int, error) {
	return Mul(x, uint256.NewInt(y))
}

// Div returns x / y truncated toward zero.
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivByZero
	}
	return new(uint256.Int).Div(x, y), nil
}

// AbsDiff returns |x - y|. It branches on the larger operand so it can never
// underflow.
func AbsDiff(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Sub(y, x)
	}
	return new(uint256.Int).Sub(x, y)
}
