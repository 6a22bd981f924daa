package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/redilate/internal/tensor"
)

// writeRaw creates a safetensors file from a raw header and data section.
func writeRaw(t *testing.T, path string, header any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func openT(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriteThenLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "w.safetensors")

	w, _ := tensor.FromData([]float32{1, -2, 3.5, 4, 5, 6}, 2, 3)
	b, _ := tensor.FromData([]float32{0.25, -0.5}, 2)
	err := WriteFile(path, []Named{{"weight", w}, {"bias", b}}, WriteOptions{
		Metadata: map[string]string{"format": "pt"},
	})
	require.NoError(t, err)

	f := openT(t, path)
	require.Equal(t, []string{"bias", "weight"}, f.Names())
	require.Equal(t, "pt", f.Metadata["format"])

	got, err := f.Load("weight")
	require.NoError(t, err)
	require.Equal(t, w.Shape, got.Shape)
	require.Equal(t, w.Data, got.Data)

	got, err = f.Load("bias")
	require.NoError(t, err)
	require.Equal(t, b.Data, got.Data)
}

func TestWriteF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "h.safetensors")
	x, _ := tensor.FromData([]float32{1, 2, -1, 0.5}, 4)
	require.NoError(t, WriteFile(path, []Named{{"x", x}}, WriteOptions{DType: "F16"}))

	f := openT(t, path)
	info, ok := f.Tensor("x")
	require.True(t, ok)
	require.Equal(t, "F16", info.DType)
	require.EqualValues(t, 8, info.End-info.Start)

	got, _, err := f.ReadTensorF32("x")
	require.NoError(t, err)
	require.Equal(t, x.Data, got)
}

func TestWriteRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	x := tensor.New(1)
	err := WriteFile(filepath.Join(t.TempDir(), "d.safetensors"), []Named{{"x", x}, {"x", x}}, WriteOptions{})
	require.Error(t, err)
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	_, err := Open("/nonexistent/file.safetensors")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "invalid.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(path, append(lenBuf[:], []byte("not valid js")...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}
}

func TestOpenHeaderLongerThanFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "long.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<20)
	if err := os.WriteFile(path, append(lenBuf[:], '{', '}'), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad_offsets.safetensors")
	writeRaw(t, path, map[string]any{
		"bad_tensor": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestReadTensorBF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bf16.safetensors")
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80) // 1.0
	binary.LittleEndian.PutUint16(data[2:], 0xC000) // -2.0
	writeRaw(t, path, map[string]any{
		"test": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
	}, data)

	got, _, err := openT(t, path).ReadTensorF32("test")
	require.NoError(t, err)
	require.Equal(t, []float32{1, -2}, got)
}

func TestReadTensorF16Specials(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "f16.safetensors")
	bits := []uint16{0x3C00, 0xBC00, 0x0000, 0x7C00}
	data := make([]byte, 2*len(bits))
	for i, b := range bits {
		binary.LittleEndian.PutUint16(data[i*2:], b)
	}
	writeRaw(t, path, map[string]any{
		"test": map[string]any{"dtype": "F16", "shape": []int{4}, "data_offsets": []int64{0, 8}},
	}, data)

	got, _, err := openT(t, path).ReadTensorF32("test")
	require.NoError(t, err)
	require.Equal(t, float32(1), got[0])
	require.Equal(t, float32(-1), got[1])
	require.Equal(t, float32(0), got[2])
	require.True(t, math.IsInf(float64(got[3]), 1))
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "unsupported.safetensors")
	writeRaw(t, path, map[string]any{
		"test": map[string]any{"dtype": "I32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 8))
	if _, _, err := openT(t, path).ReadTensorF32("test"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mismatch.safetensors")
	writeRaw(t, path, map[string]any{
		"test": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 8))
	if _, _, err := openT(t, path).ReadTensorF32("test"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
}

func TestReadTensorInvertedOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inverted.safetensors")
	writeRaw(t, path, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{8, 0}},
	}, make([]byte, 8))
	if _, _, err := openT(t, path).ReadTensor("bad"); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	require.NoError(t, WriteFile(path, []Named{{"a", tensor.New(1)}}, WriteOptions{}))
	f := openT(t, path)
	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	if _, err := f.Load("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{1}, 1, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{2, -1}, 0, true},
	}
	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("numElements(%v): unexpected error: %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("numElements(%v): expected %d, got %d", tc.shape, tc.expected, n)
		}
	}
}
