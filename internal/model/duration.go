package model

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"time"
)

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$`)

// units are indexed by the capture group of durationRx
var units = [...]struct {
	suffix int
	unit   time.Duration
}{
	{1, 24 * time.Hour},
	{1, time.Hour},
	{1, time.Minute},
	{1, time.Second},
	{2, time.Millisecond},
}

// ParseDuration parses strings matching ^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$
// into time.Duration, e.g. "3s", "1m30s" or "1500ms". Empty string is rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format: " + s)
	}
	var total time.Duration
	for i, seg := range m[1:] {
		if seg == "" {
			continue
		}
		u := units[i]
		val, err := strconv.ParseInt(seg[:len(seg)-u.suffix], 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		if val > int64(math.MaxInt64/u.unit) {
			return 0, errors.New("duration overflow")
		}
		add := time.Duration(val) * u.unit
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}
