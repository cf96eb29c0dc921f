package tensor

import "fmt"

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return Full(shape, 0)
}

func Full(shape []int, value float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data := make([]float64, calculateNumElements(shape))
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}
	return New(shape, data)
}

// FromRows builds a [len(rows), width] matrix; every row must have the same width.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build tensor from zero rows")
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
		data = append(data, row...)
	}
	return New([]int{len(rows), width}, data)
}
