package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cast"
)

var normalPadding = cli.Default.Padding

// ConvertStrToInt converts an input string to uint64
func ConvertStrToInt(intStr string) (uint64, error) {
	intStr = strings.ToLower(strings.TrimSpace(intStr))

	if strings.ContainsAny(intStr, "xabcdef") {
		intStr = strings.Replace(intStr, "0x", "", -1)
		intStr = strings.Replace(intStr, "x", "", -1)
		if out, err := strconv.ParseUint(intStr, 16, 64); err == nil {
			return out, err
		}
		log.Warn("assuming given integer is in decimal")
	}
	return strconv.ParseUint(intStr, 10, 64)
}

// ParseSlide converts a signed hex (0x) or decimal string to an int64
func ParseSlide(slide string) (int64, error) {
	slide = strings.ToLower(strings.TrimSpace(slide))
	if len(slide) == 0 {
		return 0, fmt.Errorf("empty slide")
	}
	out, err := cast.ToInt64E(slide)
	if err != nil {
		return 0, fmt.Errorf("invalid slide %q: %w", slide, err)
	}
	return out, nil
}

// Indent indents apex log line to supplied level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

// Pad creates left padding for printf members
func Pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}
