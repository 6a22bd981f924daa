package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ConvParams holds the geometry of a 2-D convolution.
type ConvParams struct {
	Stride   int
	Padding  int
	Dilation int
}

func (p ConvParams) normalized() ConvParams {
	if p.Stride < 1 {
		p.Stride = 1
	}
	if p.Dilation < 1 {
		p.Dilation = 1
	}
	return p
}

// ConvOutputSize returns the spatial output extent along one axis.
func ConvOutputSize(in, kernel int, p ConvParams) int {
	p = p.normalized()
	return (in+2*p.Padding-p.Dilation*(kernel-1)-1)/p.Stride + 1
}

// Conv2D computes a direct 2-D convolution of an NCHW input with weights
// shaped [outC, inC, kH, kW]. bias may be nil. Output planes are computed in
// parallel; each plane is owned by exactly one goroutine so the result does
// not depend on scheduling.
func Conv2D(x, weight, bias *Tensor, p ConvParams) (*Tensor, error) {
	p = p.normalized()
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if weight.Dims() != 4 {
		return nil, Errorf("conv weight must be [out, in, kh, kw], got %v", weight.Shape)
	}
	oc, ic, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if ic != c {
		return nil, Errorf("conv expects %d input channels, got %d", ic, c)
	}
	if bias != nil && bias.Numel() != oc {
		return nil, Errorf("conv bias has %d values for %d output channels", bias.Numel(), oc)
	}
	oh := ConvOutputSize(h, kh, p)
	ow := ConvOutputSize(w, kw, p)
	if oh <= 0 || ow <= 0 {
		return nil, Errorf("conv output %dx%d for input %dx%d kernel %dx%d", oh, ow, h, w, kh, kw)
	}

	out := New(n, oc, oh, ow)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			g.Go(func() error {
				dst := out.Data[(b*oc+o)*oh*ow : (b*oc+o+1)*oh*ow]
				if bias != nil {
					bv := bias.Data[o]
					for i := range dst {
						dst[i] = bv
					}
				}
				for ci := 0; ci < c; ci++ {
					plane := x.Data[(b*c+ci)*h*w : (b*c+ci+1)*h*w]
					kern := weight.Data[(o*ic+ci)*kh*kw : (o*ic+ci+1)*kh*kw]
					convPlane(dst, plane, kern, h, w, kh, kw, oh, ow, p)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func convPlane(dst, src, kern []float32, h, w, kh, kw, oh, ow int, p ConvParams) {
	for ky := 0; ky < kh; ky++ {
		for kx := 0; kx < kw; kx++ {
			kv := kern[ky*kw+kx]
			if kv == 0 {
				continue
			}
			for oy := 0; oy < oh; oy++ {
				iy := oy*p.Stride - p.Padding + ky*p.Dilation
				if iy < 0 || iy >= h {
					continue
				}
				row := src[iy*w : (iy+1)*w]
				drow := dst[oy*ow : (oy+1)*ow]
				for ox := 0; ox < ow; ox++ {
					ix := ox*p.Stride - p.Padding + kx*p.Dilation
					if ix < 0 || ix >= w {
						continue
					}
					drow[ox] += kv * row[ix]
				}
			}
		}
	}
}
