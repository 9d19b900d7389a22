// Package bytesize parses and formats the byte sizes and transfer rates
// used in node configuration.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Network rate units in bytes per second (SI bits).
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

// sizeUnits maps upper-cased suffixes to bytes. Ki/Mi/Gi/Ti are accepted
// for Kubernetes-style configs.
var sizeUnits = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB,
	"M": MB, "MB": MB, "MI": MB,
	"G": GB, "GB": GB, "GI": GB,
	"T": TB, "TB": TB, "TI": TB,
}

// rateUnits maps lower-cased suffixes to a multiplier in bits (bps) or
// bytes (x/s) per second, expressed as a fraction num/den of bytes.
var rateUnits = map[string]struct{ num, den int64 }{
	"bps":  {1, 8},
	"kbps": {Kbps, 1},
	"mbps": {Mbps, 1},
	"gbps": {Gbps, 1},
	"b/s":  {B, 1},
	"kb/s": {KB, 1},
	"mb/s": {MB, 1},
	"gb/s": {GB, 1},
}

// split separates "1.5 GB" into 1.5 and "GB".
func split(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", fmt.Errorf("empty value")
	}
	if s[0] == '-' {
		return 0, "", fmt.Errorf("negative value not allowed: %q", s)
	}

	end := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	if end == -1 {
		end = len(s)
	}
	value, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid number in %q", s)
	}
	return value, strings.TrimSpace(s[end:]), nil
}

// Parse parses a byte size like "100MB", "1.5GB", "10Gi" or "1024".
// Units are binary and case-insensitive; no unit means bytes.
func Parse(s string) (int64, error) {
	value, unit, err := split(s)
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	return int64(value * float64(mult)), nil
}

// ParseRate parses a rate like "10mbps" (SI bits) or "100KB/s" (binary
// bytes) into bytes per second.
func ParseRate(s string) (int64, error) {
	value, unit, err := split(s)
	if err != nil {
		return 0, err
	}
	mult, ok := rateUnits[strings.ToLower(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit %q", unit)
	}
	return int64(value * float64(mult.num) / float64(mult.den)), nil
}

// ParseRateOrSize parses s as a rate, falling back to a size read as that
// many bytes per second.
func ParseRateOrSize(s string) (int64, error) {
	if v, err := ParseRate(s); err == nil {
		return v, nil
	}
	v, err := Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return v, nil
}

// Format renders a byte count with two decimals, e.g. "64.00 MB".
func Format(bytes int64) string {
	for _, u := range []struct {
		size int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// FormatRate renders bytes per second as a bit rate, e.g. "1.00 Mbps".
func FormatRate(bytesPerSec int64) string {
	bits := bytesPerSec * 8
	for _, u := range []struct {
		bits int64
		name string
	}{{1e9, "Gbps"}, {1e6, "Mbps"}, {1e3, "Kbps"}} {
		if bits >= u.bits {
			return fmt.Sprintf("%.2f %s", float64(bits)/float64(u.bits), u.name)
		}
	}
	return fmt.Sprintf("%d bps", bits)
}

// decode reads a YAML scalar either as a plain integer or through parse.
func decode(value *yaml.Node, parse func(string) (int64, error)) (int64, error) {
	if value.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: expected a number or a string with units", value.Line)
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		return n, nil
	}
	return parse(value.Value)
}

// Size is a byte size read from YAML as bytes (2048) or with units ("64MB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := decode(value, Parse)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}

// Rate is a transfer rate in bytes per second. YAML accepts a number, a
// rate ("10mbps", "1MB/s") or a size ("1MB") meaning bytes per second.
type Rate int64

// UnmarshalYAML implements yaml.Unmarshaler for Rate.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	n, err := decode(value, ParseRateOrSize)
	if err != nil {
		return fmt.Errorf("invalid rate: %w", err)
	}
	*r = Rate(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Rate.
func (r Rate) MarshalYAML() (interface{}, error) {
	return int64(r), nil
}

// BytesPerSecond returns the rate in bytes per second.
func (r Rate) BytesPerSecond() int64 {
	return int64(r)
}

func (r Rate) String() string {
	return FormatRate(int64(r))
}
