package tensor

// Bilinear resizes an NCHW tensor to outH x outW using bilinear interpolation
// with half-pixel centres (align_corners=False). No antialiasing is applied
// when downscaling.
func Bilinear(x *Tensor, outH, outW int) (*Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if outH <= 0 || outW <= 0 {
		return nil, Errorf("bilinear target %dx%d", outH, outW)
	}
	if outH == h && outW == w {
		return x.Clone(), nil
	}

	ys := axisWeights(h, outH)
	xs := axisWeights(w, outW)

	out := New(n, c, outH, outW)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*outH*outW : (p+1)*outH*outW]
		for oy, ay := range ys {
			r0 := src[ay.i0*w : (ay.i0+1)*w]
			r1 := src[ay.i1*w : (ay.i1+1)*w]
			row := dst[oy*outW : (oy+1)*outW]
			for ox, ax := range xs {
				top := r0[ax.i0]*(1-ax.f) + r0[ax.i1]*ax.f
				bot := r1[ax.i0]*(1-ax.f) + r1[ax.i1]*ax.f
				row[ox] = top*(1-ay.f) + bot*ay.f
			}
		}
	}
	return out, nil
}

type lerp struct {
	i0, i1 int
	f      float32
}

func axisWeights(in, out int) []lerp {
	scale := float32(in) / float32(out)
	ws := make([]lerp, out)
	for o := range ws {
		src := (float32(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		ws[o] = lerp{i0: i0, i1: i1, f: src - float32(i0)}
	}
	return ws
}

// Nearest resizes an NCHW tensor with nearest-neighbour sampling.
func Nearest(x *Tensor, outH, outW int) (*Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if outH <= 0 || outW <= 0 {
		return nil, Errorf("nearest target %dx%d", outH, outW)
	}
	sy := float64(h) / float64(outH)
	sx := float64(w) / float64(outW)
	out := New(n, c, outH, outW)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*outH*outW : (p+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			iy := min(int(float64(oy)*sy), h-1)
			for ox := 0; ox < outW; ox++ {
				ix := min(int(float64(ox)*sx), w-1)
				dst[oy*outW+ox] = src[iy*w+ix]
			}
		}
	}
	return out, nil
}

// Crop returns the spatial window [y0,y0+hh) x [x0,x0+ww) of an NCHW tensor.
func Crop(x *Tensor, y0, x0, hh, ww int) (*Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if y0 < 0 || x0 < 0 || hh <= 0 || ww <= 0 || y0+hh > h || x0+ww > w {
		return nil, Errorf("crop [%d:%d, %d:%d] outside %dx%d", y0, y0+hh, x0, x0+ww, h, w)
	}
	out := New(n, c, hh, ww)
	for p := 0; p < n*c; p++ {
		for y := 0; y < hh; y++ {
			src := x.Data[p*h*w+(y0+y)*w+x0:]
			copy(out.Data[p*hh*ww+y*ww:p*hh*ww+(y+1)*ww], src[:ww])
		}
	}
	return out, nil
}

// ConcatChannels joins NCHW tensors along the channel dimension.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	na, ca, ha, wa, err := a.NCHW()
	if err != nil {
		return nil, err
	}
	nb, cb, hb, wb, err := b.NCHW()
	if err != nil {
		return nil, err
	}
	if na != nb || ha != hb || wa != wb {
		return nil, Errorf("channel concat shapes %v and %v differ", a.Shape, b.Shape)
	}
	hw := ha * wa
	out := New(na, ca+cb, ha, wa)
	for i := 0; i < na; i++ {
		dst := out.Data[i*(ca+cb)*hw:]
		copy(dst[:ca*hw], a.Data[i*ca*hw:(i+1)*ca*hw])
		copy(dst[ca*hw:(ca+cb)*hw], b.Data[i*cb*hw:(i+1)*cb*hw])
	}
	return out, nil
}
