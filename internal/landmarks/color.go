package landmarks

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

const sentinelDisplayName = "???"

// Darkening factor applied to each color channel, as a rational.
const (
	colorScaleNumerator   = 3
	colorScaleDenominator = 4
)

var parentheticalQualifier = regexp.MustCompile(` \([A-Z0-9?]+\)$`)

// ColorForName hashes a display name into a deterministic muted RGB color:
// the low 6 hex characters of the sha1 digest, each byte scaled by 0.75.
func ColorForName(name string) string {
	digest := sha1.Sum([]byte(name))
	encoded := hex.EncodeToString(digest[:])
	tail := encoded[len(encoded)-6:]

	raw, err := hex.DecodeString(tail)
	if err != nil {
		// Unreachable: tail is always valid hex.
		return "000000"
	}
	scaled := make([]byte, len(raw))
	for i, channel := range raw {
		scaled[i] = byte(int(channel) * colorScaleNumerator / colorScaleDenominator)
	}
	return hex.EncodeToString(scaled)
}

// ColorForAddress derives the display color for a real-world address.
func ColorForAddress(address string) string {
	return ColorForName(displayName(address))
}

// displayName extracts the colorable portion of an address: everything before
// the first comma, with trailing uppercase/digit parenthetical qualifiers
// peeled off (at most 3, for nested annotations).
func displayName(address string) string {
	if address == "" || address == "?" {
		return sentinelDisplayName
	}
	name, _, _ := strings.Cut(address, ",")
	name = strings.TrimSpace(name)
	for range 3 {
		name = parentheticalQualifier.ReplaceAllString(name, "")
		if !strings.HasSuffix(name, ")") {
			break
		}
	}
	return name
}
