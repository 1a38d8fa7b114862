package codec

import (
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec identifiers stored in the introducer header.
const (
	// IdentityID selects no compression.
	IdentityID uint64 = 0
	// LZ4ID selects lz4 block compression.
	LZ4ID uint64 = 1
)

// Codec is the opaque transform turning cluster content into its stored form
// and back. The stack never interprets the output; collaborators such as the
// adaptive compression layer plug in through this interface.
type Codec interface {
	Encode(cluster []byte) ([]byte, error)
	Decode(data []byte, clusterSize int) ([]byte, error)
}

// ByID returns the codec selected by the disk-resident identifier.
func ByID(id uint64) (Codec, error) {
	switch id {
	case IdentityID:
		return Identity{}, nil
	case LZ4ID:
		return LZ4{}, nil
	default:
		return nil, errors.Errorf("unknown codec: %d", id)
	}
}

// Identity passes cluster content through unchanged.
type Identity struct{}

// Encode returns a copy of the cluster.
func (Identity) Encode(cluster []byte) ([]byte, error) {
	out := make([]byte, len(cluster))
	copy(out, cluster)
	return out, nil
}

// Decode returns a copy of the data.
func (Identity) Decode(data []byte, clusterSize int) ([]byte, error) {
	if len(data) != clusterSize {
		return nil, errors.Errorf("invalid encoded size: %d, cluster size: %d", len(data), clusterSize)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// LZ4 compresses clusters with lz4 block compression. Incompressible
// clusters are stored raw, marked by a leading flag byte.
type LZ4 struct{}

const (
	lz4Raw        byte = 0
	lz4Compressed byte = 1
)

// Encode compresses the cluster.
func (LZ4) Encode(cluster []byte) ([]byte, error) {
	var c lz4.Compressor
	out := make([]byte, 1+lz4.CompressBlockBound(len(cluster)))
	n, err := c.CompressBlock(cluster, out[1:])
	if err != nil || n == 0 || n >= len(cluster) {
		out = make([]byte, 1+len(cluster))
		out[0] = lz4Raw
		copy(out[1:], cluster)
		return out, nil
	}
	out[0] = lz4Compressed
	return out[:1+n], nil
}

// Decode decompresses the stored form back into a cluster.
func (LZ4) Decode(data []byte, clusterSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty encoded cluster")
	}
	switch data[0] {
	case lz4Raw:
		if len(data)-1 != clusterSize {
			return nil, errors.Errorf("invalid raw cluster size: %d, expected: %d", len(data)-1, clusterSize)
		}
		out := make([]byte, clusterSize)
		copy(out, data[1:])
		return out, nil
	case lz4Compressed:
		out := make([]byte, clusterSize)
		n, err := lz4.UncompressBlock(data[1:], out)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if n != clusterSize {
			return nil, errors.Errorf("invalid decoded cluster size: %d, expected: %d", n, clusterSize)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unknown cluster encoding: %d", data[0])
	}
}
