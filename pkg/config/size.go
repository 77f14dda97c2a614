package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ByteSize is a byte count written as "512KB", "1MiB" or a bare number.
type ByteSize int64

func (s ByteSize) String() string { return FormatSize(int64(s)) }

func (s ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ByteSize) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s ByteSize) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *ByteSize) set(raw interface{}) error {
	switch v := raw.(type) {
	case float64:
		*s = ByteSize(v)
	case int:
		*s = ByteSize(v)
	case string:
		n, err := ParseSize(v)
		if err != nil {
			return err
		}
		*s = ByteSize(n)
	case nil:
		*s = 0
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

// ParseSize parses sizes such as "1MB", "1.5KiB" or "4096". KB, MB and GB
// are decimal; K, M, G and the KiB family are binary.
func ParseSize(str string) (int64, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(str, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("size must not be negative: %s", str)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(str)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '512KB' or '1MiB')", str)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := sizeMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

func sizeMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "K", "KIB":
		return KiB
	case "M", "MIB":
		return MiB
	case "G", "GIB":
		return GiB
	}
	return 0
}

// FormatSize renders n with binary units, e.g. "1 MiB" or "1.5 KiB".
func FormatSize(n int64) string {
	if n < KiB {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KiB", "MiB", "GiB"}
	value := float64(n) / float64(KiB)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	} else if value*10 == float64(int64(value*10)) {
		return fmt.Sprintf("%.1f %s", value, units[exp])
	}
	return fmt.Sprintf("%.2f %s", value, units[exp])
}
