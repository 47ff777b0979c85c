package waveform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateShapeAndValues(t *testing.T) {
	bufs := Generate(8, 4096, 1)
	require.Len(t, bufs, 8)
	var pos, neg int
	for _, buf := range bufs {
		require.Len(t, buf, 4096)
		for _, v := range buf {
			for _, c := range []float32{real(v), imag(v)} {
				switch c {
				case 1:
					pos++
				case -1:
					neg++
				default:
					t.Fatalf("component %v is not ±1", c)
				}
			}
		}
	}
	// roughly balanced over 65536 draws
	assert.InDelta(t, 0.5, float64(pos)/float64(pos+neg), 0.02)
}

func TestGenerateDeterministic(t *testing.T) {
	assert.Equal(t, Generate(2, 64, 42), Generate(2, 64, 42))
	assert.NotEqual(t, Generate(2, 64, 42), Generate(2, 64, 43))
}

func TestGenerateTone(t *testing.T) {
	bufs := GenerateTone(2, 8, 0.25, 0.5)
	require.Len(t, bufs, 2)
	// quarter-rate tone: 0.5, 0.5j, -0.5, -0.5j, ...
	want := []complex64{0.5, 0.5i, -0.5, -0.5i}
	for i, v := range append(bufs[0], bufs[1]...) {
		w := want[i%4]
		assert.InDelta(t, real(w), real(v), 1e-6)
		assert.InDelta(t, imag(w), imag(v), 1e-6)
		assert.InDelta(t, 0.5, math.Hypot(float64(real(v)), float64(imag(v))), 1e-6)
	}
}

func TestParseAndBuild(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, Random, k)
	k, err = ParseKind("tone")
	require.NoError(t, err)
	assert.Equal(t, Tone, k)
	_, err = ParseKind("chirp")
	assert.Error(t, err)

	bufs, err := Build(Tone, 3, 16, 0)
	require.NoError(t, err)
	assert.Len(t, bufs, 3)
	_, err = Build("chirp", 1, 1, 0)
	assert.Error(t, err)
}
