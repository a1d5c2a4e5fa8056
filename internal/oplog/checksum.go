package oplog

import (
	"encoding/json"
	"fmt"
)

// Checksum is a bucket checksum as received from the sync service.
//
// Checksums are unsigned 32-bit integers and accumulate with wrapping
// addition. The service may emit them as signed 32-bit values; both
// encodings bitcast to the same accumulator.
type Checksum uint32

// ChecksumFromInt32 reinterprets a signed 32-bit wire value.
func ChecksumFromInt32(v int32) Checksum {
	return Checksum(uint32(v))
}

// Add returns the wrapping sum of two checksums.
func (c Checksum) Add(other Checksum) Checksum {
	return c + other
}

// Sub returns the wrapping difference of two checksums.
func (c Checksum) Sub(other Checksum) Checksum {
	return c - other
}

// Int32 bitcasts the checksum to a signed 32-bit value, the representation
// stored in SQLite integer columns.
func (c Checksum) Int32() int32 {
	return int32(uint32(c))
}

// String formats the checksum as fixed-width hex.
func (c Checksum) String() string {
	return fmt.Sprintf("%#010x", uint32(c))
}

// UnmarshalJSON accepts either unsigned or signed 32-bit numbers; signed
// values are normalized by bitcast. Whole-number floats are tolerated
// because some JSON encoders produce them.
func (c *Checksum) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n := int64(v)
	if float64(n) != v {
		return fmt.Errorf("checksum %v is not a whole number", v)
	}
	switch {
	case n >= 0 && n <= int64(^uint32(0)):
		*c = Checksum(uint32(n))
	case n >= -(1 << 31) && n < 0:
		*c = ChecksumFromInt32(int32(n))
	default:
		return fmt.Errorf("checksum %d out of 32-bit range", n)
	}
	return nil
}

// MarshalJSON encodes the checksum as an unsigned number.
func (c Checksum) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint32(c))
}

// SumChecksums accumulates the checksum contributions of ops in order.
// Wrapping addition is commutative, so any valid delivery order of the same
// operations yields the same result.
func SumChecksums(ops []Operation) Checksum {
	var acc Checksum
	for _, op := range ops {
		acc = acc.Add(op.Checksum)
	}
	return acc
}
