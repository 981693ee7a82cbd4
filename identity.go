package threadsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeID canonicalizes an identifier so that 1, 1.0, "1" and " 1 " compare equal.
// nil yields "", which is never a valid identity.
func NormalizeID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case *string:
		if id == nil {
			return ""
		}
		return strings.TrimSpace(*id)
	case int:
		return strconv.Itoa(id)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	case uint:
		return strconv.FormatUint(uint64(id), 10)
	case uint32:
		return strconv.FormatUint(uint64(id), 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	case float32:
		return normalizeFloat(float64(id))
	case float64:
		return normalizeFloat(id)
	case json.Number:
		return strings.TrimSpace(id.String())
	case fmt.Stringer:
		return strings.TrimSpace(id.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func normalizeFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SameID reports whether a and b identify the same entity. Empty identities never match.
func SameID(a, b any) bool {
	ka := NormalizeID(a)
	return ka != "" && ka == NormalizeID(b)
}
