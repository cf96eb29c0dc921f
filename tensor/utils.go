package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	inferred := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}
	if inferred >= 0 {
		if len(t.Data)%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", len(t.Data), newShape)
		}
		shape[inferred] = len(t.Data) / known
		known *= shape[inferred]
	}
	if known != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", len(t.Data), shape, known)
	}
	return &Tensor{Shape: shape, Strides: calculateStrides(shape), Data: t.Data}, nil
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Data:    append([]float64(nil), t.Data...),
	}
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

func (t *Tensor) At(indices ...int) (float64, error) {
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

func (t *Tensor) SetAt(value float64, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}

// Vector returns the innermost vector addressed by the leading indices as a
// view into t's data, e.g. the vocabulary distribution at [n, t] of an
// [N, T, V] tensor.
func (t *Tensor) Vector(indices ...int) ([]float64, error) {
	if len(indices) != len(t.Shape)-1 {
		return nil, fmt.Errorf("expected %d leading indices, got %d", len(t.Shape)-1, len(indices))
	}
	off, err := t.offset(append(append([]int(nil), indices...), 0))
	if err != nil {
		return nil, err
	}
	width := t.Shape[len(t.Shape)-1]
	return t.Data[off : off+width], nil
}

// Narrow keeps the first n entries along dimension 0 without copying.
func (t *Tensor) Narrow(n int) (*Tensor, error) {
	if len(t.Shape) == 0 || n <= 0 || n > t.Shape[0] {
		return nil, fmt.Errorf("cannot narrow tensor of shape %v to %d rows", t.Shape, n)
	}
	shape := append([]int(nil), t.Shape...)
	shape[0] = n
	return &Tensor{Shape: shape, Strides: calculateStrides(shape), Data: t.Data[:n*t.Strides[0]]}, nil
}

func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return len(t.Data)
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || len(t.Shape) != len(other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) PrintData(maxElements int) string {
	var b strings.Builder
	b.WriteString("[")
	for i, v := range t.Data {
		if i >= maxElements {
			fmt.Fprintf(&b, " ... (%d more)", len(t.Data)-maxElements)
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%.4f", v)
	}
	b.WriteString("]")
	return b.String()
}
