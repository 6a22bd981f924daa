package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/redilate/internal/tensor"
)

// Named pairs a tensor with the name it is stored under.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// WriteOptions controls the encoding of written tensors.
type WriteOptions struct {
	// DType is "F32" (default) or "F16".
	DType    string
	Metadata map[string]string
}

// WriteFile writes tensors to path in the order given.
func WriteFile(path string, tensors []Named, opts WriteOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, tensors, opts); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write encodes tensors as a safetensors stream.
func Write(w io.Writer, tensors []Named, opts WriteOptions) error {
	dtype := opts.DType
	if dtype == "" {
		dtype = "F32"
	}
	width := 0
	switch dtype {
	case "F32":
		width = 4
	case "F16":
		width = 2
	default:
		return fmt.Errorf("unsupported dtype %s", dtype)
	}

	header := make(map[string]any, len(tensors)+1)
	if len(opts.Metadata) > 0 {
		header["__metadata__"] = opts.Metadata
	}
	var off int64
	for _, nt := range tensors {
		if _, dup := header[nt.Name]; dup {
			return fmt.Errorf("duplicate tensor name %s", nt.Name)
		}
		size := int64(nt.Tensor.Numel() * width)
		header[nt.Name] = tensorHeader{
			DType:       dtype,
			Shape:       nt.Tensor.Shape,
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}

	for _, nt := range tensors {
		buf := make([]byte, nt.Tensor.Numel()*width)
		for i, v := range nt.Tensor.Data {
			if width == 4 {
				binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
			} else {
				binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
			}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write tensor %s: %w", nt.Name, err)
		}
	}
	return nil
}
