package sampler

import (
	"github.com/samcharles93/redilate/internal/tensor"
)

// GuidanceEnabled reports whether a scale requires the doubled
// [uncond, cond] batch.
func GuidanceEnabled(scale float64) bool {
	return scale > 1
}

// Combine merges branch predictions into the final noise estimate.
//
// With scale <= 1 the adapted prediction is returned as is. Otherwise both
// predictions hold [uncond, cond] halves along the batch and the result is
//
//	base + scale*(cond - uncond)
//
// where uncond and cond come from the adapted branch and base is the vanilla
// branch's unconditional half when vanilla is non-nil, else the adapted one.
// rescale > 0 blends in the result rescaled so its per-sample standard
// deviation matches the conditional half.
func Combine(adapted, vanilla *tensor.Tensor, scale, rescale float64) (*tensor.Tensor, error) {
	if !GuidanceEnabled(scale) {
		return adapted, nil
	}
	uncond, cond, err := tensor.Chunk2(adapted)
	if err != nil {
		return nil, err
	}
	base := uncond
	if vanilla != nil {
		if !vanilla.SameShape(adapted) {
			return nil, tensor.Errorf("vanilla prediction %v does not match adapted %v", vanilla.Shape, adapted.Shape)
		}
		if base, _, err = tensor.Chunk2(vanilla); err != nil {
			return nil, err
		}
	}

	out := base.Clone()
	s := float32(scale)
	for i := range out.Data {
		out.Data[i] += s * (cond.Data[i] - uncond.Data[i])
	}
	if rescale > 0 {
		if err := rescaleToReference(out, cond, rescale); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// rescaleToReference scales each sample of x by std(ref)/std(x) and blends
// the result with x by weight r, in place.
func rescaleToReference(x, ref *tensor.Tensor, r float64) error {
	stdRef, err := tensor.SampleStd(ref)
	if err != nil {
		return err
	}
	stdX, err := tensor.SampleStd(x)
	if err != nil {
		return err
	}
	per := len(x.Data) / x.Shape[0]
	for b := range stdX {
		if stdX[b] == 0 {
			continue
		}
		f := float32(r*(stdRef[b]/stdX[b]) + (1 - r))
		seg := x.Data[b*per : (b+1)*per]
		for i := range seg {
			seg[i] *= f
		}
	}
	return nil
}
