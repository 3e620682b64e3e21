package whatsapp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// ErrInvalidPhone is returned for numbers libphonenumber cannot place.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone returns the E.164 digits the Graph API expects, without the
// leading plus. Numbers with no country prefix are read in defaultRegion.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "00") {
		cleaned = "+" + cleaned[2:]
	}
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}

	num, err := libphonenumber.Parse(cleaned, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPhone, raw, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}

	return strings.TrimPrefix(libphonenumber.Format(num, libphonenumber.E164), "+"), nil
}
