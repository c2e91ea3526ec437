package memkernel

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/types"
)

// checksumID derives object ID from the content copied from the sources, so the same data always produce the same ID.
func checksumID(sources []kernel.SrcSpec, data func(src kernel.SrcSpec) []byte) types.ObjectID {
	hasher := sha256.New()
	var rangeBytes [16]byte
	for _, src := range sources {
		binary.LittleEndian.PutUint64(rangeBytes[:8], src.Start)
		binary.LittleEndian.PutUint64(rangeBytes[8:], src.Length)
		hasher.Write(rangeBytes[:])
		hasher.Write(data(src))
	}

	var checksum [sha256.Size]byte
	hasher.Sum(checksum[:0])

	var id types.ObjectID
	copy(id[:], checksum[:])
	return id
}
