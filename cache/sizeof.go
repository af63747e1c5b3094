package cache

import (
	"bytes"
	"encoding/gob"
	"time"
)

const perEntryOverhead = 48 // rough bookkeeping cost per entry

// sizeOf estimates the byte size of a cached value for eviction
// accounting. The estimate is deliberately cheap and approximate; exact
// sizes are not needed, only a consistent measure.
func sizeOf(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case Sizer:
		return v.CachedSize()
	case string:
		return int64(len(v)) + 16
	case []byte:
		return int64(len(v)) + 24
	case bool:
		return 1
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return 8
	case time.Time:
		return 24
	case []string:
		size := int64(24)
		for _, s := range v {
			size += int64(len(s)) + 16
		}
		return size
	case map[string]string:
		size := int64(48)
		for k, val := range v {
			size += int64(len(k)) + int64(len(val)) + 32
		}
		return size
	case map[string]struct{}:
		size := int64(48)
		for k := range v {
			size += int64(len(k)) + 16
		}
		return size
	default:
		// fall back to the gob encoding length; values that cannot be
		// encoded are charged a flat estimate
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(value); err != nil {
			return 512
		}
		return int64(buf.Len())
	}
}
