package types

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnitsMB = map[string]uint64{
	"MB": 1,
	"GB": 1024,
	"TB": 1024 * 1024,
	"PB": 1024 * 1024 * 1024,
}

// ParseSizeMB converts a "<integer><unit>" size string to megabytes. Unit is
// one of MB, GB, TB, PB, case-insensitive. Anything else is ErrValidation.
func ParseSizeMB(size string) (uint64, error) {
	s := strings.TrimSpace(size)
	if len(s) < 3 {
		return 0, fmt.Errorf("%w: invalid size %q, expected <integer><MB|GB|TB|PB>", ErrValidation, size)
	}

	unit := strings.ToUpper(s[len(s)-2:])
	mult, ok := sizeUnitsMB[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size unit in %q, expected MB, GB, TB or PB", ErrValidation, size)
	}

	value, err := strconv.ParseUint(s[:len(s)-2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q, expected <integer><MB|GB|TB|PB>", ErrValidation, size)
	}

	return value * mult, nil
}

// VolumeSizeMB resolves the size for a create request, falling back to the
// default when the option is absent.
func VolumeSizeMB(opts map[string]string) (uint64, error) {
	size, ok := opts[OptSize]
	if !ok || size == "" {
		size = DefaultDiskSize
	}
	return ParseSizeMB(size)
}
