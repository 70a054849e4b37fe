package app

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseBytes parses sizes such as "512k", "50mb" or "1.5g" using binary
// multiples. An empty string is zero, which disables the setting it feeds.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	orig := s
	if s[len(s)-1] == 'b' {
		s = strings.TrimSpace(s[:len(s)-1])
		if s == "" {
			return 0, fmt.Errorf("invalid size %q", orig)
		}
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", orig, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", orig)
	}
	return int64(v * float64(mult)), nil
}
