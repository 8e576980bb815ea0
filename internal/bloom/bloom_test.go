package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := NewForCapacity(1000, DefaultFalsePositiveRate)
	keys := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("hash-%d", i)
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		assert.True(t, f.MightContain(k), "bloom filter must never false-negative: %s", k)
	}
}

func TestRoundTripMarshal(t *testing.T) {
	f := NewForCapacity(100, 0.01)
	f.Add("abc")
	f.Add("def")

	blob := f.Marshal()
	got, err := Unmarshal(blob)
	require.NoError(t, err)

	assert.True(t, got.MightContain("abc"))
	assert.True(t, got.MightContain("def"))
	assert.Equal(t, f.nbits, got.nbits)
	assert.Equal(t, f.k, got.k)
}

func TestUnmarshalRejectsUnknownMagic(t *testing.T) {
	blob := NewForCapacity(10, 0.01).Marshal()
	blob[0] = 0xFF
	_, err := Unmarshal(blob)
	assert.Error(t, err)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}
