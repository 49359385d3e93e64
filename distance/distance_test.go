package distance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Unrolled", []float32{1, 1, 1, 1, 1}, []float32{2, 2, 2, 2, 2}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestNormalize(t *testing.T) {
	v, ok := NormalizeL2Copy([]float32{3, 4})
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
	assert.False(t, NormalizeL2InPlace(nil))
}

func TestProvider_LowerIsCloser(t *testing.T) {
	q := []float32{1, 0}
	near := []float32{0.9, 0.1}
	far := []float32{-1, 0}

	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		fn, err := Provider(m)
		require.NoError(t, err, m.String())
		assert.Less(t, fn(q, near), fn(q, far), m.String())
	}

	_, err := Provider(Metric(42))
	assert.Error(t, err)
}

func TestMetric_Text(t *testing.T) {
	b, err := json.Marshal(struct {
		M Metric `json:"m"`
	}{MetricCosine})
	require.NoError(t, err)
	assert.JSONEq(t, `{"m":"Cosine"}`, string(b))

	var out struct {
		M Metric `json:"m"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"m":"l2"}`), &out))
	assert.Equal(t, MetricL2, out.M)

	assert.Error(t, json.Unmarshal([]byte(`{"m":"manhattan"}`), &out))
	_, err = Metric(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Unknown(9)", Metric(9).String())
}
