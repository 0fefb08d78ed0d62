package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlDirSync_Encode(t *testing.T) {
	control := NewControlDirSync(DirSyncAncestorsFirstOrder, 0, []byte("cookie"))

	packet := control.Encode()
	require.Len(t, packet.Children, 3)
	assert.Equal(t, ControlTypeDirSync, packet.Children[0].Value)
	assert.Equal(t, true, packet.Children[1].Value)

	decoded, err := DecodeDirSyncValue(packet.Children[2].Data.Bytes())
	require.NoError(t, err)
	assert.Equal(t, DirSyncAncestorsFirstOrder, decoded.Flags)
	assert.Equal(t, int64(0), decoded.MaxAttrCount)
	assert.Equal(t, []byte("cookie"), decoded.Cookie)
	assert.True(t, decoded.MoreData())
}

func TestFindDirSyncControl_UndecodedValue(t *testing.T) {
	value := encodeDirSyncValue(0, 1024, []byte{0x01, 0x02, 0x03}).Bytes()
	response := &ldap.ControlString{
		ControlType:  ControlTypeDirSync,
		ControlValue: string(value),
	}

	found, err := FindDirSyncControl([]ldap.Control{response})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), found.MaxAttrCount)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, found.Cookie)
	assert.False(t, found.MoreData())
}

func TestFindDirSyncControl_Missing(t *testing.T) {
	_, err := FindDirSyncControl([]ldap.Control{ldap.NewControlPaging(10)})
	assert.Error(t, err)
}

func TestDecodeDirSyncValue_Invalid(t *testing.T) {
	_, err := DecodeDirSyncValue([]byte{0x30, 0x00})
	assert.Error(t, err)

	_, err = DecodeDirSyncValue(nil)
	assert.Error(t, err)
}
