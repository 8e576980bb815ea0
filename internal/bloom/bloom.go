// Package bloom implements the persisted content-hash set used to
// short-circuit cross-file embedding dedup during directory indexing.
//
// It is a plain bit-vector Bloom filter with k independent hashes (double
// hashing per Kirsch-Mitzenmacher), sized from the target false-positive
// rate: m ~= -n*ln(p) / (ln 2)^2. A false positive costs one extra KV
// lookup; a false negative is impossible, so the filter can only ever make
// dedup too conservative, never wrong.
package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Magic and version identify the on-disk blob format (spec section 6.4).
// Readers reject unknown magic or version rather than guessing.
const (
	Magic   uint16 = 0xB100
	Version uint8  = 1

	// DefaultFalsePositiveRate is adequate for short-circuiting a DB lookup;
	// a false positive only costs one extra read, so 1% is not aggressive.
	DefaultFalsePositiveRate = 0.01
)

// Filter is a fixed-size Bloom filter over string keys (chunk content hashes).
type Filter struct {
	bits     []uint64 // bit-length = len(bits)*64, but we track nbits directly
	nbits    uint64
	k        uint8
	nitems   uint64 // approximate count of items added, for stats only
}

// NewForCapacity builds a filter sized for n expected items at the given
// false-positive rate. Per spec section 9: m ~= -n*ln(p) / (ln 2)^2.
func NewForCapacity(n uint64, falsePositiveRate float64) *Filter {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	if n == 0 {
		n = 1
	}
	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}
	k := uint8(math.Round(float64(m) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	words := (m + 63) / 64
	return &Filter{
		bits:  make([]uint64, words),
		nbits: words * 64,
		k:     k,
	}
}

// Add inserts a key into the filter.
func (f *Filter) Add(key string) {
	h1, h2 := split(key)
	for i := uint8(0); i < f.k; i++ {
		bit := combine(h1, h2, i) % f.nbits
		f.bits[bit/64] |= 1 << (bit % 64)
	}
	f.nitems++
}

// MightContain returns false only if key is definitely absent; true means
// "probably present, go check the database."
func (f *Filter) MightContain(key string) bool {
	h1, h2 := split(key)
	for i := uint8(0); i < f.k; i++ {
		bit := combine(h1, h2, i) % f.nbits
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// ItemCount returns the approximate number of items added.
func (f *Filter) ItemCount() uint64 { return f.nitems }

func split(key string) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	h1 := h.Sum64()
	h.Reset()
	_, _ = h.Write([]byte{0x5a})
	_, _ = h.Write([]byte(key))
	h2 := h.Sum64()
	return h1, h2
}

// combine implements Kirsch-Mitzenmacher double hashing: g_i(x) = h1(x) + i*h2(x).
func combine(h1, h2 uint64, i uint8) uint64 {
	return h1 + uint64(i)*h2
}

// Marshal serializes the filter to the versioned blob format: magic (u16),
// version (u8), bit-length (u64), item count (u64), hash count (u8),
// followed by the bit array in little-endian byte order.
func (f *Filter) Marshal() []byte {
	header := make([]byte, 2+1+8+8+1)
	binary.LittleEndian.PutUint16(header[0:2], Magic)
	header[2] = Version
	binary.LittleEndian.PutUint64(header[3:11], f.nbits)
	binary.LittleEndian.PutUint64(header[11:19], f.nitems)
	header[19] = f.k

	body := make([]byte, len(f.bits)*8)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(body[i*8:i*8+8], w)
	}
	return append(header, body...)
}

// Unmarshal parses a blob produced by Marshal. Unknown magic/version, or a
// truncated buffer, is reported as an error so the caller can rebuild from
// ground truth rather than operate on corrupt state.
func Unmarshal(blob []byte) (*Filter, error) {
	const headerLen = 2 + 1 + 8 + 8 + 1
	if len(blob) < headerLen {
		return nil, fmt.Errorf("bloom: truncated header (%d bytes)", len(blob))
	}
	magic := binary.LittleEndian.Uint16(blob[0:2])
	if magic != Magic {
		return nil, fmt.Errorf("bloom: unknown magic %#x", magic)
	}
	version := blob[2]
	if version != Version {
		return nil, fmt.Errorf("bloom: unsupported version %d", version)
	}
	nbits := binary.LittleEndian.Uint64(blob[3:11])
	nitems := binary.LittleEndian.Uint64(blob[11:19])
	k := blob[19]

	words := (nbits + 63) / 64
	body := blob[headerLen:]
	if uint64(len(body)) < words*8 {
		return nil, fmt.Errorf("bloom: truncated body, want %d words got %d bytes", words, len(body))
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(body[i*8 : i*8+8])
	}
	return &Filter{bits: bits, nbits: nbits, k: k, nitems: nitems}, nil
}
