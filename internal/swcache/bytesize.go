package swcache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"
)

// parseBytes accepts sizes like "512", "64k", "100mb" or "1.5GB".
func parseBytes(s string) (int64, error) {
	raw := s
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, errors.Newf(errors.CodeInvalidInput, "invalid size %q", raw)
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
		return 0, errors.Wrapf(err, errors.CodeInvalidInput, "invalid size %q", raw)
	}
	if v < 0 {
		return 0, errors.Newf(errors.CodeInvalidInput, "negative size %q", raw)
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	}
	return trimFloat(float64(b)/gb) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
