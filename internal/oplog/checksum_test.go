package oplog

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumBinaryRepresentation(t *testing.T) {
	assert.Equal(t, Checksum(math.MaxUint32), ChecksumFromInt32(-1))
	assert.Equal(t, int32(-1), Checksum(math.MaxUint32).Int32())
	assert.Equal(t, Checksum(0), ChecksumFromInt32(0))
}

func TestChecksumWrappingAdd(t *testing.T) {
	var c Checksum = math.MaxUint32
	assert.Equal(t, Checksum(0), c.Add(1))
	assert.Equal(t, Checksum(math.MaxUint32), Checksum(0).Sub(1))

	// Adding and then subtracting the same contribution round-trips.
	base := Checksum(0x9abcdef0)
	contrib := Checksum(0x87654321)
	assert.Equal(t, base, base.Add(contrib).Sub(contrib))
}

func TestChecksumUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Checksum
	}{
		{"0", 0},
		{"-1", math.MaxUint32},
		{"-1.0", math.MaxUint32},
		{"3573495687", 3573495687},
		{"3573495687.0", 3573495687},
		{"-721471609.0", 3573495687},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var c Checksum
			require.NoError(t, json.Unmarshal([]byte(tt.in), &c))
			assert.Equal(t, tt.want, c)
		})
	}
}

func TestChecksumUnmarshalRejectsFractions(t *testing.T) {
	var c Checksum
	assert.Error(t, json.Unmarshal([]byte("1.5"), &c))
}

func TestSumChecksumsOrderInsensitive(t *testing.T) {
	ops := []Operation{
		{OpID: 1, Checksum: 0xdeadbeef},
		{OpID: 2, Checksum: 0x12345678},
		{OpID: 3, Checksum: ChecksumFromInt32(-42)},
	}
	reversed := []Operation{ops[2], ops[1], ops[0]}
	assert.Equal(t, SumChecksums(ops), SumChecksums(reversed))
}
