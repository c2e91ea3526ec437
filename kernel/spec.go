package kernel

import "github.com/outofforest/objspace/types"

// CreateFlags are the flags passed to object creation.
type CreateFlags uint64

// Create flags.
const (
	CreateHashData  CreateFlags = 0x1
	CreateDflRead   CreateFlags = 0x4
	CreateDflWrite  CreateFlags = 0x8
	CreateDflExec   CreateFlags = 0x10
	CreateDflUse    CreateFlags = 0x20
	CreateDflDel    CreateFlags = 0x40
	CreateZeroNonce CreateFlags = 0x1000
)

// BackingType defines the storage backing the object.
type BackingType uint8

// Backing types.
const (
	BackingNormal BackingType = iota
)

// LifetimeType defines whether object survives restarts.
type LifetimeType uint8

// Lifetime types.
const (
	LifetimeVolatile LifetimeType = iota
	LifetimePersistent
)

// TieSpec ties reclamation of the new object to another object. If View is set, object is tied to the view of
// the creating context.
type TieSpec struct {
	View bool
	ID   types.ObjectID
}

// TieView returns the tie to the view of the creating context.
func TieView() TieSpec {
	return TieSpec{View: true}
}

// TieObject returns the tie to the object.
func TieObject(id types.ObjectID) TieSpec {
	return TieSpec{ID: id}
}

// SrcSpec defines range of source object copied to the new object at the same offsets.
type SrcSpec struct {
	ID     types.ObjectID
	Start  uint64
	Length uint64
}

// CreateSpec describes the object to create.
type CreateSpec struct {
	Sources  []SrcSpec
	KU       types.ObjectID
	Lifetime LifetimeType
	Backing  BackingType
	Ties     []TieSpec
	Flags    CreateFlags
}

// NewCreateSpec returns new create spec.
func NewCreateSpec(lt LifetimeType, bt BackingType, flags CreateFlags) CreateSpec {
	return CreateSpec{
		Lifetime: lt,
		Backing:  bt,
		Flags:    flags,
	}
}

// Src adds source object.
func (s CreateSpec) Src(src SrcSpec) CreateSpec {
	s.Sources = append(append([]SrcSpec{}, s.Sources...), src)
	return s
}

// Tie adds the tie.
func (s CreateSpec) Tie(tie TieSpec) CreateSpec {
	s.Ties = append(append([]TieSpec{}, s.Ties...), tie)
	return s
}

// Ku sets the key object.
func (s CreateSpec) Ku(id types.ObjectID) CreateSpec {
	s.KU = id
	return s
}

// DefaultProt returns protection flags derived from the DFL_* flags.
func (s CreateSpec) DefaultProt() types.Prot {
	return types.Prot(s.Flags) & types.ProtAll
}
