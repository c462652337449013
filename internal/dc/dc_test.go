package dc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksmit799/Ardos-sub000/internal/util"
)

func testRegistry() *Registry {
	setX := NewField("setX", Broadcast|Required, Uint32)
	setY := NewField("setY", Broadcast|Required, Uint32)
	setXY := NewMolecular("setXY", setX, setY)
	setName := NewField("setName", Required|Db, String)
	talk := NewField("talk", Broadcast|ClSend, String)
	avatar := NewClass("DistributedAvatar", setX, setY, setXY, setName, talk)

	login := NewField("login", ClSend|AIRecv, String, String)
	auth := NewClass("AuthService", login)

	return NewRegistry(avatar, auth)
}

func TestRegistryIdAssignment(t *testing.T) {
	r := testRegistry()

	avatar, ok := r.ClassByName("DistributedAvatar")
	require.True(t, ok)
	assert.Equal(t, uint16(0), avatar.ID())

	auth, ok := r.ClassByName("AuthService")
	require.True(t, ok)
	assert.Equal(t, uint16(1), auth.ID())

	// Field ids are global, in declaration order.
	setX, _ := avatar.FieldByName("setX")
	setXY, _ := avatar.FieldByName("setXY")
	talk, _ := avatar.FieldByName("talk")
	login, _ := auth.FieldByName("login")
	assert.Equal(t, uint16(0), setX.ID())
	assert.Equal(t, uint16(2), setXY.ID())
	assert.Equal(t, uint16(4), talk.ID())
	assert.Equal(t, uint16(5), login.ID())

	// Global ids resolve without knowing the class.
	byId, ok := r.FieldByID(5)
	require.True(t, ok)
	assert.Equal(t, "login", byId.Name())
	_, ok = r.FieldByID(99)
	assert.False(t, ok)

	byID, ok := avatar.FieldByID(setXY.ID())
	require.True(t, ok)
	assert.Equal(t, "setXY", byID.Name())
}

func TestMolecularKeywordUnion(t *testing.T) {
	a := NewField("a", Required|Broadcast, Uint8)
	b := NewField("b", Ram|OwnRecv, Uint8)
	m := NewMolecular("ab", a, b)

	assert.True(t, m.Is(Required))
	assert.True(t, m.Is(Ram))
	assert.True(t, m.Is(Broadcast|OwnRecv))
	assert.False(t, m.Is(ClSend))
	assert.True(t, m.Molecular())
	assert.Len(t, m.Subfields(), 2)
}

func TestReadValueAtomic(t *testing.T) {
	r := testRegistry()
	avatar, _ := r.ClassByName("DistributedAvatar")
	talk, _ := avatar.FieldByName("talk")

	dg := util.NewDatagram()
	dg.AddString("hi there")
	dg.AddUint32(99)

	dgi := util.NewIterator(dg)
	value, err := talk.ReadValue(dgi)
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0, 'h', 'i', ' ', 't', 'h', 'e', 'r', 'e'}, value)
	// The iterator sits on the next value.
	assert.Equal(t, uint32(99), dgi.ReadUint32())
}

func TestReadValueTruncated(t *testing.T) {
	r := testRegistry()
	avatar, _ := r.ClassByName("DistributedAvatar")
	setX, _ := avatar.FieldByName("setX")

	dg := util.NewDatagram()
	dg.AddUint16(1)

	dgi := util.NewIterator(dg)
	_, err := setX.ReadValue(dgi)
	assert.Error(t, err)
}

func TestSplitValue(t *testing.T) {
	r := testRegistry()
	avatar, _ := r.ClassByName("DistributedAvatar")
	setXY, _ := avatar.FieldByName("setXY")

	packed := util.NewDatagram()
	packed.AddUint32(3)
	packed.AddUint32(4)

	parts, err := setXY.SplitValue(packed.Bytes())
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte{3, 0, 0, 0}, parts[0])
	assert.Equal(t, []byte{4, 0, 0, 0}, parts[1])
}

func TestSplitValueAtomicPassthrough(t *testing.T) {
	r := testRegistry()
	avatar, _ := r.ClassByName("DistributedAvatar")
	setX, _ := avatar.FieldByName("setX")

	parts, err := setX.SplitValue([]byte{1, 0, 0, 0})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, []byte{1, 0, 0, 0}, parts[0])
}

func TestDefaultValues(t *testing.T) {
	r := testRegistry()
	avatar, _ := r.ClassByName("DistributedAvatar")

	setX, _ := avatar.FieldByName("setX")
	assert.Equal(t, []byte{0, 0, 0, 0}, setX.DefaultValue())

	setName, _ := avatar.FieldByName("setName")
	assert.Equal(t, []byte{0, 0}, setName.DefaultValue())

	withDefault := NewField("hp", Required, Uint32).WithDefault([]byte{100, 0, 0, 0})
	assert.True(t, withDefault.HasDefault())
	assert.Equal(t, []byte{100, 0, 0, 0}, withDefault.DefaultValue())
}

func TestHashStableAndSensitive(t *testing.T) {
	a := testRegistry()
	b := testRegistry()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotZero(t, a.Hash())

	c := NewRegistry(NewClass("Other", NewField("f", Required, Uint8)))
	assert.NotEqual(t, a.Hash(), c.Hash())
}
