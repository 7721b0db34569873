// Package proto implements the PixelWeather Messaging Protocol (PWMP).
//
// This includes the message model (requests, responses, message ids),
// the binary payload codec, and the length-prefixed frame layer used
// over TCP.
package proto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MacSize is the size of a hardware address in bytes.
const MacSize = 6

// ErrInvalidMac indicates a MAC string that is not six colon-separated
// hex octets.
var ErrInvalidMac = errors.New("invalid MAC address")

// Mac is the 48-bit hardware identifier of a node.
//
// The canonical string form is lowercase colon-separated hex
// ("aa:bb:cc:dd:ee:ff"). Parsing accepts either case; formatting always
// produces the canonical form.
type Mac [MacSize]byte

// ParseMac parses a colon-separated hex MAC string.
func ParseMac(s string) (Mac, error) {
	parts := strings.Split(s, ":")
	if len(parts) != MacSize {
		return Mac{}, fmt.Errorf("%w: %q", ErrInvalidMac, s)
	}

	var mac Mac
	for i, part := range parts {
		if len(part) != 2 {
			return Mac{}, fmt.Errorf("%w: %q", ErrInvalidMac, s)
		}
		b, err := hex.DecodeString(strings.ToLower(part))
		if err != nil {
			return Mac{}, fmt.Errorf("%w: %q", ErrInvalidMac, s)
		}
		mac[i] = b[0]
	}

	return mac, nil
}

// String returns the canonical lowercase colon-separated form.
func (m Mac) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}
