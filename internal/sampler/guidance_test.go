package sampler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/redilate/internal/tensor"
)

func TestCombineScaleOneIsIdentity(t *testing.T) {
	t.Parallel()
	adapted := tensor.Randn(1, 2, 4, 3, 3)
	vanilla := tensor.Randn(2, 2, 4, 3, 3)
	for _, scale := range []float64{1, 0.5, 0} {
		got, err := Combine(adapted, vanilla, scale, 0.7)
		require.NoError(t, err)
		require.Same(t, adapted, got)
	}
}

func TestCombineFormula(t *testing.T) {
	t.Parallel()
	adapted, _ := tensor.FromData([]float32{1, 2, 5, 10}, 2, 2)   // uncond [1 2], cond [5 10]
	vanilla, _ := tensor.FromData([]float32{0, -1, 99, 99}, 2, 2) // uncond [0 -1]

	got, err := Combine(adapted, nil, 3, 0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, got.Shape)
	require.Equal(t, []float32{1 + 3*4, 2 + 3*8}, got.Data)

	got, err = Combine(adapted, vanilla, 3, 0)
	require.NoError(t, err)
	require.Equal(t, []float32{0 + 3*4, -1 + 3*8}, got.Data)
}

func TestCombineRescaleMatchesConditionalStd(t *testing.T) {
	t.Parallel()
	adapted := tensor.Randn(3, 4, 4, 5, 5)
	_, cond, err := tensor.Chunk2(adapted)
	require.NoError(t, err)

	got, err := Combine(adapted, nil, 7.5, 1)
	require.NoError(t, err)
	want, _ := tensor.SampleStd(cond)
	have, _ := tensor.SampleStd(got)
	if diff := cmp.Diff(want, have, cmpopts.EquateApprox(1e-4, 0)); diff != "" {
		t.Fatalf("rescaled std mismatch (-want +got):\n%s", diff)
	}

	// rescale 0 keeps the plain guided result
	plain, err := Combine(adapted, nil, 7.5, 0)
	require.NoError(t, err)
	half, err := Combine(adapted, nil, 7.5, 0.5)
	require.NoError(t, err)
	for i := range half.Data {
		require.InDelta(t, (plain.Data[i]+got.Data[i])/2, half.Data[i], 1e-4)
	}
}

func TestCombineShapeErrors(t *testing.T) {
	t.Parallel()
	_, err := Combine(tensor.New(3, 2), nil, 2, 0)
	require.ErrorIs(t, err, ErrShape)

	_, err = Combine(tensor.New(2, 2), tensor.New(4, 2), 2, 0)
	require.ErrorIs(t, err, ErrShape)
}
