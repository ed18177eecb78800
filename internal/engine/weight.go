package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxWeightGrams is the largest weight a user may enter for one item.
const MaxWeightGrams = 10000

var weightPattern = regexp.MustCompile(`^[0-9]+(?:[.,][0-9]+)?$`)

// ParseWeight reads a weight in grams typed by the user: plain decimal digits
// with '.' or ',' as the decimal separator and an optional trailing "g".
// Anything else, and weights above MaxWeightGrams, is rejected.
func ParseWeight(text string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimSpace(strings.TrimSuffix(s, "g"))
	if !weightPattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil || v > MaxWeightGrams {
		return 0, false
	}
	return v, true
}
