package tensor

import "math"

// GroupNorm normalises an NCHW tensor over channel groups and applies the
// per-channel affine weight and bias. weight and bias may be nil.
func GroupNorm(x *Tensor, groups int, weight, bias []float32, eps float32) (*Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if groups <= 0 || c%groups != 0 {
		return nil, Errorf("group norm: %d channels not divisible into %d groups", c, groups)
	}
	if (weight != nil && len(weight) != c) || (bias != nil && len(bias) != c) {
		return nil, Errorf("group norm: affine parameters do not match %d channels", c)
	}
	hw := h * w
	per := c / groups
	out := New(n, c, h, w)
	for b := 0; b < n; b++ {
		for g := 0; g < groups; g++ {
			start := (b*c + g*per) * hw
			seg := x.Data[start : start+per*hw]
			var sum, sq float64
			for _, v := range seg {
				sum += float64(v)
				sq += float64(v) * float64(v)
			}
			cnt := float64(len(seg))
			mean := sum / cnt
			variance := sq/cnt - mean*mean
			if variance < 0 {
				variance = 0
			}
			inv := float32(1 / math.Sqrt(variance+float64(eps)))
			m := float32(mean)
			for ch := 0; ch < per; ch++ {
				ci := g*per + ch
				scale, shift := float32(1), float32(0)
				if weight != nil {
					scale = weight[ci]
				}
				if bias != nil {
					shift = bias[ci]
				}
				src := seg[ch*hw : (ch+1)*hw]
				dst := out.Data[start+ch*hw : start+(ch+1)*hw]
				for i, v := range src {
					dst[i] = (v-m)*inv*scale + shift
				}
			}
		}
	}
	return out, nil
}

// AddChannelBias adds vec[b, c] to every spatial position of channel c in
// sample b. vec is [n, c] or [1, c] (broadcast over the batch).
func AddChannelBias(x, vec *Tensor) error {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return err
	}
	if vec.Numel() != c && vec.Numel() != n*c {
		return Errorf("channel bias %v does not fit %v", vec.Shape, x.Shape)
	}
	hw := h * w
	for b := 0; b < n; b++ {
		off := 0
		if vec.Numel() == n*c {
			off = b * c
		}
		for ch := 0; ch < c; ch++ {
			v := vec.Data[off+ch]
			plane := x.Data[(b*c+ch)*hw : (b*c+ch+1)*hw]
			for i := range plane {
				plane[i] += v
			}
		}
	}
	return nil
}
