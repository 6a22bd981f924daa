package nn

import (
	"testing"

	"github.com/samcharles93/redilate/internal/tensor"
)

type doubling struct{}

func (doubling) Forward(c *Conv2d, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.Direct(x)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(y, 2), nil
}

func TestConv2dSwapReturnsPrevious(t *testing.T) {
	t.Parallel()
	c := NewConv2d(1, 1, 1, 1, 0, false)
	c.Weight.Data[0] = 3
	x, _ := tensor.FromData([]float32{1, 2}, 1, 1, 1, 2)

	if _, ok := c.Forwarder().(Direct); !ok {
		t.Fatalf("new conv forwarder = %T, want Direct", c.Forwarder())
	}
	prev := c.Swap(doubling{})
	if _, ok := prev.(Direct); !ok {
		t.Fatalf("Swap returned %T, want Direct", prev)
	}

	y, err := c.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if y.Data[0] != 6 || y.Data[1] != 12 {
		t.Fatalf("patched output = %v, want [6 12]", y.Data)
	}

	c.Swap(prev)
	y, err = c.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if y.Data[0] != 3 || y.Data[1] != 6 {
		t.Fatalf("restored output = %v, want [3 6]", y.Data)
	}
}

func TestConv2dCloneIsIndependent(t *testing.T) {
	t.Parallel()
	c := NewConv2d(2, 2, 3, 1, 1, true)
	c.Weight.Data[0] = 1
	d := c.Clone()
	d.Weight.Data[0] = 5
	if c.Weight.Data[0] != 1 {
		t.Fatal("clone shares weight storage")
	}
	if h, w := d.OutputSize(7, 9); h != 7 || w != 9 {
		t.Fatalf("OutputSize = %dx%d, want 7x9", h, w)
	}
}

func TestLinearForward(t *testing.T) {
	t.Parallel()
	l := NewLinear(2, 3)
	copy(l.Weight.Data, []float32{1, 0, 0, 1, 1, 1})
	copy(l.Bias.Data, []float32{0, 0, 0.5})
	x, _ := tensor.FromData([]float32{2, 3}, 1, 2)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{2, 3, 5.5}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Fatalf("linear output = %v, want %v", y.Data, want)
		}
	}
}
