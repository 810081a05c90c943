package models

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// ByteCount is a byte total that survives JSON transport without float
// precision loss: it always marshals as a decimal string and accepts both
// string and bare-number encodings on the way in.
type ByteCount uint64

func (b ByteCount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(b), 10))), nil
}

func (b *ByteCount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*b = 0
		return nil
	}
	if trimmed[0] == '"' {
		unquoted, err := strconv.Unquote(string(trimmed))
		if err != nil {
			return fmt.Errorf("byte count: %w", err)
		}
		trimmed = []byte(unquoted)
	}
	value, err := strconv.ParseUint(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("byte count: %w", err)
	}
	*b = ByteCount(value)
	return nil
}

// PercentOf reports b as a percentage of limit, rounded to two decimals. A
// zero limit means unlimited and always reports zero.
func (b ByteCount) PercentOf(limit ByteCount) float64 {
	if limit == 0 {
		return 0
	}
	percent := float64(b) / float64(limit) * 100
	return math.Round(percent*100) / 100
}

// GBString renders the count in gigabytes with two decimals for dashboards.
func (b ByteCount) GBString() string {
	return fmt.Sprintf("%.2f", float64(b)/(1<<30))
}

// FormatBytes renders the count with the largest unit that keeps the value
// readable. It is used for human-facing notification text.
func FormatBytes(b ByteCount) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", uint64(b))
	}
	value := float64(b)
	for _, suffix := range []string{"KB", "MB", "GB", "TB", "PB"} {
		value /= unit
		if value < unit {
			return fmt.Sprintf("%.2f %s", value, suffix)
		}
	}
	return fmt.Sprintf("%.2f EB", value/unit)
}
