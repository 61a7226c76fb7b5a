// Package fingerprint derives perceptual page fingerprints and the
// page-turn decision rule built on them.
package fingerprint

import (
	"fmt"
	"image"
	"math"
	"math/bits"
	"strings"

	"github.com/corona10/goimagehash"
)

// DefaultGrid is the hash grid used when no size is configured.
// A 16x16 grid yields a 256-bit fingerprint (64 hex chars).
const DefaultGrid = 16

// DefaultThreshold is the Hamming distance above which two fingerprints
// count as different pages.
const DefaultThreshold = 10

// Infinite is the distance reported for fingerprints that cannot be
// compared (different grid sizes, malformed input).
const Infinite = math.MaxInt

// Compute returns the perceptual fingerprint of an image as a hex string:
// the image is downscaled to a gridSize x gridSize intensity grid and each
// cell is thresholded against the grid mean, one bit per cell.
//
// Returns "" for unusable input; callers treat that as "no fingerprint".
// Fingerprints are comparable only to fingerprints of the same grid size.
func Compute(img image.Image, gridSize int) string {
	if img == nil || gridSize <= 0 {
		return ""
	}
	hash, err := goimagehash.ExtAverageHash(img, gridSize, gridSize)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, word := range hash.GetHash() {
		fmt.Fprintf(&sb, "%016x", word)
	}
	return sb.String()
}

// HammingDistance counts differing bits between two hex fingerprints.
// Unequal lengths or non-hex input yield Infinite: such fingerprints are
// never considered equal.
func HammingDistance(fp1, fp2 string) int {
	if len(fp1) != len(fp2) {
		return Infinite
	}
	dist := 0
	for i := 0; i < len(fp1); i++ {
		a, ok1 := nibble(fp1[i])
		b, ok2 := nibble(fp2[i])
		if !ok1 || !ok2 {
			return Infinite
		}
		dist += bits.OnesCount8(a ^ b)
	}
	return dist
}

// IsPageTurn reports whether the current fingerprint represents a new page
// relative to the previous one.
//
// No history means a new page: this seeds tracking on the first observation.
// When both sides are unusable there is nothing to compare, so no turn.
func IsPageTurn(previous, current string, threshold int) bool {
	if previous == "" && current == "" {
		return false
	}
	if previous == "" || current == "" {
		return true
	}
	if previous == current {
		return false
	}
	return HammingDistance(previous, current) > threshold
}

func nibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
