package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldMatrixRows protowire.Number = 1
	fieldMatrixCols protowire.Number = 2
	fieldMatrixData protowire.Number = 3
)

// SaveMatrix writes a dense rows x cols matrix as a small protobuf message
// { 1 rows, 2 cols, 3 packed row-major doubles }.
func SaveMatrix(path string, rows [][]float64) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	b := protowire.AppendTag(nil, fieldMatrixRows, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(rows)))
	b = protowire.AppendTag(b, fieldMatrixCols, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cols))

	packed := make([]byte, 0, 8*len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("matrix row %d has %d columns, expected %d", i, len(row), cols)
		}
		for _, v := range row {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
	}
	b = appendMessage(b, fieldMatrixData, packed)
	return WriteFileAtomic(path, b, 0o644)
}

// LoadMatrix reads a matrix written by SaveMatrix.
func LoadMatrix(path string) ([][]float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}

	var rows, cols uint64
	var values []float64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldMatrixRows:
				rows = v
			case fieldMatrixCols:
				cols = v
			}
		case typ == protowire.BytesType && num == fieldMatrixData:
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			for len(payload) >= 8 {
				v, m := protowire.ConsumeFixed64(payload)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				values = append(values, math.Float64frombits(v))
				payload = payload[m:]
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if uint64(len(values)) != rows*cols {
		return nil, fmt.Errorf("matrix declares %dx%d but holds %d values", rows, cols, len(values))
	}
	out := make([][]float64, rows)
	for i := range out {
		out[i] = values[uint64(i)*cols : uint64(i+1)*cols]
	}
	return out, nil
}
