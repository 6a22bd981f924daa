package settings

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/redilate/internal/safetensors"
)

// TransformTensorName is the tensor holding the inflation matrix in
// safetensors and PyTorch files.
const TransformTensorName = "R"

// LoadTransform reads an inflation matrix R of shape (k'^2, k^2). The format
// is chosen by extension: .safetensors, .pt/.pth, or whitespace separated
// text rows.
func LoadTransform(path string) (*mat.Dense, error) {
	var (
		r   *mat.Dense
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		r, err = loadTransformSafetensors(path)
	case ".pt", ".pth", ".bin":
		r, err = loadTransformTorch(path)
	default:
		var f *os.File
		f, err = os.Open(path)
		if err == nil {
			r, err = ParseTransformText(f)
			_ = f.Close()
		}
	}
	if err != nil {
		return nil, Errorf("inflate transform %s: %v", path, err)
	}
	if err := checkTransform(r); err != nil {
		return nil, fmt.Errorf("inflate transform %s: %w", path, err)
	}
	return r, nil
}

// checkTransform verifies that R maps square kernels to square kernels.
func checkTransform(r *mat.Dense) error {
	rows, cols := r.Dims()
	if !isSquare(rows) || !isSquare(cols) {
		return Errorf("transform shape (%d, %d) is not (k'^2, k^2)", rows, cols)
	}
	return nil
}

func isSquare(n int) bool {
	if n <= 0 {
		return false
	}
	s := int(math.Round(math.Sqrt(float64(n))))
	return s*s == n
}

// KernelSizes returns (k', k) for a validated transform.
func KernelSizes(r *mat.Dense) (inflated, base int) {
	rows, cols := r.Dims()
	return int(math.Round(math.Sqrt(float64(rows)))), int(math.Round(math.Sqrt(float64(cols))))
}

// ParseTransformText reads one matrix row per line.
func ParseTransformText(r io.Reader) (*mat.Dense, error) {
	var (
		data []float64
		cols int
		rows int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		if rows == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("row %d has %d values, want %d", rows+1, len(fields), cols)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: %v", rows+1, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("empty matrix")
	}
	return mat.NewDense(rows, cols, data), nil
}

func loadTransformSafetensors(path string) (*mat.Dense, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	t, err := f.Load(TransformTensorName)
	if err != nil {
		return nil, err
	}
	if t.Dims() != 2 {
		return nil, fmt.Errorf("tensor %s has shape %v, want 2-D", TransformTensorName, t.Shape)
	}
	data := make([]float64, t.Numel())
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], data), nil
}

func loadTransformTorch(path string) (*mat.Dense, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}
	var (
		v     any
		found = true
	)
	switch d := obj.(type) {
	case *types.Dict:
		v, found = d.Get(TransformTensorName)
		obj = v
	case *types.OrderedDict:
		v, found = d.Get(TransformTensorName)
		obj = v
	}
	if !found {
		return nil, fmt.Errorf("no %q entry in checkpoint", TransformTensorName)
	}
	pt, ok := obj.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("checkpoint holds %T, want a tensor", obj)
	}
	if len(pt.Size) != 2 {
		return nil, fmt.Errorf("tensor has shape %v, want 2-D", pt.Size)
	}

	var values func(i int) float64
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		values = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.DoubleStorage:
		values = func(i int) float64 { return s.Data[i] }
	case *pytorch.HalfStorage:
		values = func(i int) float64 { return float64(s.Data[i]) }
	default:
		return nil, fmt.Errorf("unsupported storage %T", pt.Source)
	}

	rows, cols := pt.Size[0], pt.Size[1]
	rs, cs := cols, 1
	if len(pt.Stride) == 2 {
		rs, cs = pt.Stride[0], pt.Stride[1]
	}
	out := mat.NewDense(rows, cols, nil)
	for i := range rows {
		for j := range cols {
			out.Set(i, j, values(pt.StorageOffset+i*rs+j*cs))
		}
	}
	return out, nil
}
