package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
	PiB int64 = 1 << 50
)

var (
	sizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)$`)

	// Decimal suffixes are powers of 1000; a bare letter or an "iB" suffix is a power
	// of 1024, matching df -h.
	sizeUnits = map[string]int64{
		"":  1,
		"B": 1,

		"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "PB": 1e15,

		"K": KiB, "KIB": KiB,
		"M": MiB, "MIB": MiB,
		"G": GiB, "GIB": GiB,
		"T": TiB, "TIB": TiB,
		"P": PiB, "PIB": PiB,
	}

	formatUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB"}
)

// ParseDataSize turns "512MiB", "1.5TB" or "4096" into a byte count.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (want e.g. 4096, 512MiB or 1.5TB)", s)
	}
	multiplier, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", m[2])
	}

	if !strings.Contains(m[1], ".") {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || (n != 0 && n > math.MaxInt64/multiplier) {
			return 0, fmt.Errorf("size %q overflows", s)
		}
		return n * multiplier, nil
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	bytes := value * float64(multiplier)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}

// FormatDataSize renders bytes in binary units with at most two decimals.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "-" + FormatDataSize(-bytes)
	}
	if bytes < KiB {
		return fmt.Sprintf("%d B", bytes)
	}

	value := float64(bytes)
	unit := -1
	for value >= float64(KiB) && unit < len(formatUnits)-1 {
		value /= float64(KiB)
		unit++
	}

	text := strconv.FormatFloat(value, 'f', 2, 64)
	text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	return text + " " + formatUnits[unit]
}
