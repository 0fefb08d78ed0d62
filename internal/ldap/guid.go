package ldap

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GUIDBytesLength is the length of a binary objectGUID.
const GUIDBytesLength = 16

// GUIDBytesToString converts an Active Directory objectGUID to the
// standard hyphenated form. The first three groups are stored
// little-endian.
func GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	standard := swapGUIDEndianness(guidBytes)
	id, err := uuid.FromBytes(standard)
	if err != nil {
		return "", fmt.Errorf("failed to decode GUID: %w", err)
	}
	return id.String(), nil
}

// StringToGUIDBytes converts a GUID string to Active Directory byte order.
func StringToGUIDBytes(guidString string) ([]byte, error) {
	id, err := uuid.Parse(guidString)
	if err != nil {
		return nil, fmt.Errorf("invalid GUID %q: %w", guidString, err)
	}
	return swapGUIDEndianness(id[:]), nil
}

// GUIDDN returns the extended DN <GUID=...> that Active Directory resolves
// to the object with that objectGUID.
func GUIDDN(guidString string) (string, error) {
	b, err := StringToGUIDBytes(guidString)
	if err != nil {
		return "", err
	}
	return "<GUID=" + hex.EncodeToString(b) + ">", nil
}

// swapGUIDEndianness converts between mixed-endian and big-endian GUID
// layouts. The conversion is its own inverse.
func swapGUIDEndianness(b []byte) []byte {
	out := make([]byte, GUIDBytesLength)

	// Data1 (bytes 0-3)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	// Data2 (bytes 4-5)
	out[4], out[5] = b[5], b[4]
	// Data3 (bytes 6-7)
	out[6], out[7] = b[7], b[6]
	// Data4 (bytes 8-15)
	copy(out[8:], b[8:])

	return out
}
