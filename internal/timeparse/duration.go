package timeparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses Go duration syntax plus two conveniences: a bare
// integer is seconds, and a "d" suffix is days ("2d", "1d12h").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return time.Duration(n) * time.Second, nil
	}

	if i := strings.IndexByte(s, 'd'); i > 0 && allDigits(s[:i]) {
		days, _ := strconv.Atoi(s[:i])
		rest := time.Duration(0)
		if tail := s[i+1:]; tail != "" {
			var err error
			rest, err = time.ParseDuration(tail)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
		}
		return time.Duration(days)*24*time.Hour + rest, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return d, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
