// Package arith is an example service together with its hand-written typed
// client stub.
package arith

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ServiceName is the name Arith is registered and called under.
const ServiceName = "arith.Arith"

var ErrDivideByZero = errors.New("divide by zero")

// Arith is the server-side implementation.
type Arith struct{}

func (a *Arith) Add(x, y int64) (int64, error) {
	return x + y, nil
}

func (a *Arith) Mul(x, y int64) (int64, error) {
	return x * y, nil
}

func (a *Arith) Div(x, y int64) (int64, error) {
	if y == 0 {
		return 0, ErrDivideByZero
	}
	return x / y, nil
}

// AddFloat is the float64 overload of Add, registered under the same name.
func (a *Arith) AddFloat(x, y float64) (float64, error) {
	return x + y, nil
}

func (a *Arith) Sum(xs []int64) (int64, error) {
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return sum, nil
}

func (a *Arith) Join(ctx context.Context, parts []string, sep string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, sep), nil
}
