package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
)

// ConvertBinarySIDToString converts a binary objectSid to its S-1-5-...
// string form.
func ConvertBinarySIDToString(binarySID []byte) (string, error) {
	// revision, sub-authority count and a 6 byte authority
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}
	if want := 8 + 4*int(binarySID[1]); len(binarySID) != want {
		return "", fmt.Errorf("invalid binary SID length: expected %d, got %d", want, len(binarySID))
	}

	return objectsid.Decode(binarySID).String(), nil
}

// ValidateSIDString validates that a string is a properly formatted SID.
func ValidateSIDString(sidString string) error {
	if len(sidString) < 5 || !strings.HasPrefix(sidString, "S-") {
		return fmt.Errorf("invalid SID format: must start with 'S-'")
	}
	return nil
}

// SIDDN returns the extended DN <SID=...> that Active Directory resolves
// to the object with that objectSid.
func SIDDN(sidString string) (string, error) {
	if err := ValidateSIDString(sidString); err != nil {
		return "", err
	}
	return "<SID=" + sidString + ">", nil
}
