package channel

import (
	"fmt"
	"strconv"
	"time"
)

// grpc-timeout units, largest to smallest, per spec.md §6's ABNF
// (<digits><H|M|S|m|u|n>). The Open Question in spec.md §9 ("what unit
// should grpc-timeout be encoded in") is resolved here: encode in the
// largest unit that divides the remaining duration evenly, so a 500ms
// deadline round-trips as "500m" rather than "500000000n".
var timeoutUnits = []struct {
	suffix byte
	unit   time.Duration
}{
	{'H', time.Hour},
	{'M', time.Minute},
	{'S', time.Second},
	{'m', time.Millisecond},
	{'u', time.Microsecond},
	{'n', time.Nanosecond},
}

// maxTimeoutDigits is the wire limit from the gRPC spec: the ASCII digit
// string preceding the unit suffix must be at most 8 digits.
const maxTimeoutDigits = 8

// EncodeGRPCTimeout renders d as a grpc-timeout header value. Negative or
// zero durations encode as "0n" (an already-expired deadline).
func EncodeGRPCTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	for _, u := range timeoutUnits {
		if d%u.unit != 0 {
			continue
		}
		v := d / u.unit
		if v <= 0 {
			continue
		}
		if digitCount(int64(v)) <= maxTimeoutDigits {
			return fmt.Sprintf("%d%c", v, u.suffix)
		}
	}
	// No unit both divides evenly and fits in 8 digits: use the smallest
	// unit whose truncated value fits, so the decoded value is within one
	// unit of d, capped to the digit limit in hours.
	for i := len(timeoutUnits) - 1; i >= 0; i-- {
		u := timeoutUnits[i]
		if v := d / u.unit; digitCount(int64(v)) <= maxTimeoutDigits {
			return fmt.Sprintf("%d%c", v, u.suffix)
		}
	}
	return "99999999H"
}

func digitCount(v int64) int {
	if v == 0 {
		return 1
	}
	n := 0
	for v > 0 {
		n++
		v /= 10
	}
	return n
}

// DecodeGRPCTimeout parses a grpc-timeout header value back into a
// Duration (spec.md §8's round-trip law: decode(encode(d)) is within 1
// unit of d).
func DecodeGRPCTimeout(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("channel: malformed grpc-timeout %q", s)
	}
	suffix := s[len(s)-1]
	digits := s[:len(s)-1]
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel: malformed grpc-timeout %q: %w", s, err)
	}
	for _, u := range timeoutUnits {
		if u.suffix == suffix {
			return time.Duration(v) * u.unit, nil
		}
	}
	return 0, fmt.Errorf("channel: unknown grpc-timeout unit %q", string(suffix))
}
