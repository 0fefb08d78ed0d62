package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// ControlTypeDirSync is the OID of the Active Directory DirSync control.
const ControlTypeDirSync = "1.2.840.113556.1.4.841"

// DirSync flags.
const (
	DirSyncObjectSecurity      int64 = 0x00000001
	DirSyncAncestorsFirstOrder int64 = 0x00000800
	DirSyncPublicDataOnly      int64 = 0x00002000
)

// ControlDirSync requests changes since the state captured by Cookie. In
// a response, Flags is non-zero while more data is pending.
type ControlDirSync struct {
	Criticality  bool
	Flags        int64
	MaxAttrCount int64
	Cookie       []byte
}

// NewControlDirSync returns a critical DirSync request control.
func NewControlDirSync(flags, maxAttrCount int64, cookie []byte) *ControlDirSync {
	return &ControlDirSync{
		Criticality:  true,
		Flags:        flags,
		MaxAttrCount: maxAttrCount,
		Cookie:       cookie,
	}
}

// GetControlType returns the OID.
func (c *ControlDirSync) GetControlType() string {
	return ControlTypeDirSync
}

// Encode returns the ber packet representation.
func (c *ControlDirSync) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypeDirSync, "Control Type (DirSync)"))
	if c.Criticality {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	}

	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (DirSync)")
	value.AppendChild(encodeDirSyncValue(c.Flags, c.MaxAttrCount, c.Cookie))
	packet.AppendChild(value)

	return packet
}

// String returns a human-readable description.
func (c *ControlDirSync) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  Criticality: %t  Flags: %#x  MaxAttrCount: %d  Cookie: %d bytes",
		"DirSync", ControlTypeDirSync, c.Criticality, c.Flags, c.MaxAttrCount, len(c.Cookie))
}

// SetCookie stores the cookie to resume from.
func (c *ControlDirSync) SetCookie(cookie []byte) {
	c.Cookie = cookie
}

// MoreData reports whether the server has more changes to return.
func (c *ControlDirSync) MoreData() bool {
	return c.Flags != 0
}

func encodeDirSyncValue(flags, maxAttrCount int64, cookie []byte) *ber.Packet {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "DirSync Value")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, flags, "Flags"))
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, maxAttrCount, "MaxAttrCount"))

	cookiePacket := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Cookie")
	cookiePacket.Value = string(cookie)
	cookiePacket.Data.Write(cookie)
	seq.AppendChild(cookiePacket)

	return seq
}

// DecodeDirSyncValue parses the value of a DirSync control.
func DecodeDirSyncValue(raw []byte) (*ControlDirSync, error) {
	packet, err := ber.DecodePacketErr(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode DirSync value: %w", err)
	}
	if len(packet.Children) != 3 {
		return nil, fmt.Errorf("DirSync value has %d elements, want 3", len(packet.Children))
	}

	flags, ok := packet.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("DirSync flags is not an integer")
	}
	maxAttrCount, ok := packet.Children[1].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("DirSync max attribute count is not an integer")
	}

	return &ControlDirSync{
		Flags:        flags,
		MaxAttrCount: maxAttrCount,
		Cookie:       packet.Children[2].Data.Bytes(),
	}, nil
}

// FindDirSyncControl extracts the DirSync response control from controls.
// go-ldap may decode the control into its own type, so the value is read
// back from the encoded packet.
func FindDirSyncControl(controls []ldap.Control) (*ControlDirSync, error) {
	ctrl := ldap.FindControl(controls, ControlTypeDirSync)
	if ctrl == nil {
		return nil, fmt.Errorf("DirSync response control missing")
	}

	packet := ctrl.Encode()
	if len(packet.Children) < 2 {
		return nil, fmt.Errorf("DirSync response control has no value")
	}
	value := packet.Children[len(packet.Children)-1]
	if value.Data == nil || value.Data.Len() == 0 {
		return nil, fmt.Errorf("DirSync response control has no value")
	}

	return DecodeDirSyncValue(value.Data.Bytes())
}
