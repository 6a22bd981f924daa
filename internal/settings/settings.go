// Package settings loads the per-layer dilation and inflation settings that
// drive receptive-field adaptation.
package settings

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gonum.org/v1/gonum/mat"
)

// ErrConfiguration reports malformed settings, a transform with the wrong
// dimensions, or a reference to a layer the network does not have.
var ErrConfiguration = errors.New("configuration error")

// Errorf builds an error wrapping ErrConfiguration.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// DilateSettings maps layer names to base dilation rates, preserving the
// order in which they were declared.
type DilateSettings struct {
	rates *orderedmap.OrderedMap[string, float64]
}

// NewDilateSettings returns an empty mapping.
func NewDilateSettings() *DilateSettings {
	return &DilateSettings{rates: orderedmap.New[string, float64]()}
}

// Set records a base rate for name. Rates below 1 are rejected.
func (d *DilateSettings) Set(name string, rate float64) error {
	if name == "" {
		return Errorf("empty layer name")
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 1 {
		return Errorf("layer %s: dilation rate %v must be >= 1", name, rate)
	}
	d.rates.Set(name, rate)
	return nil
}

// Rate returns the base rate of name.
func (d *DilateSettings) Rate(name string) (float64, bool) {
	if d == nil {
		return 0, false
	}
	return d.rates.Get(name)
}

// Len returns the number of configured layers.
func (d *DilateSettings) Len() int {
	if d == nil {
		return 0
	}
	return d.rates.Len()
}

// Names returns layer names in declaration order.
func (d *DilateSettings) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, d.rates.Len())
	for p := d.rates.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	return names
}

// ParseDilateSettings reads "name: rate" lines. Blank lines and lines
// starting with '#' are ignored.
func ParseDilateSettings(r io.Reader) (*DilateSettings, error) {
	d := NewDilateSettings()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, Errorf("line %d: expected \"name: rate\", got %q", lineNo, line)
		}
		name = strings.TrimSpace(name)
		rate, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, Errorf("line %d: invalid rate %q", lineNo, strings.TrimSpace(value))
		}
		if _, dup := d.Rate(name); dup {
			return nil, Errorf("line %d: layer %s listed twice", lineNo, name)
		}
		if err := d.Set(name, rate); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadDilateSettings reads a dilation settings file. An empty path yields an
// empty mapping.
func LoadDilateSettings(path string) (*DilateSettings, error) {
	if path == "" {
		return NewDilateSettings(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Errorf("dilate settings: %v", err)
	}
	defer func() { _ = f.Close() }()
	d, err := ParseDilateSettings(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// InflateSettings names the layers whose kernels are inflated and the linear
// transform applied to each flattened kernel.
type InflateSettings struct {
	Layers    map[string]struct{}
	Order     []string
	Transform *mat.Dense
}

// Has reports whether name is eligible for inflation.
func (s *InflateSettings) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Layers[name]
	return ok
}

// Enabled reports whether a transform is configured.
func (s *InflateSettings) Enabled() bool {
	return s != nil && s.Transform != nil
}

// ParseLayerList reads one layer name per line.
func ParseLayerList(r io.Reader) ([]string, error) {
	var names []string
	seen := map[string]struct{}{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, sc.Err()
}

// LoadInflateSettings reads the layer list and transform. Either path may be
// empty.
func LoadInflateSettings(listPath, transformPath string) (*InflateSettings, error) {
	s := &InflateSettings{Layers: map[string]struct{}{}}
	if listPath != "" {
		f, err := os.Open(listPath)
		if err != nil {
			return nil, Errorf("inflate settings: %v", err)
		}
		names, err := ParseLayerList(f)
		_ = f.Close()
		if err != nil {
			return nil, Errorf("inflate settings %s: %v", listPath, err)
		}
		for _, n := range names {
			s.Layers[n] = struct{}{}
		}
		s.Order = names
	}
	if transformPath != "" {
		r, err := LoadTransform(transformPath)
		if err != nil {
			return nil, err
		}
		s.Transform = r
	}
	return s, nil
}
