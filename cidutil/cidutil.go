// Package cidutil derives content identifiers for registry entities. The
// canonical bytes of an entity map to a CIDv1 (raw multicodec, sha2-256),
// which the HTTP surface exposes as the entity's canonical_uri.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// URIScheme prefixes canonical URIs.
const URIScheme = "ipfs://"

// Sum returns the CIDv1 (raw + sha2-256) of data.
func Sum(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// SumString returns the CIDv1 string of data.
//
// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1
// length that is unreachable, so failures collapse to "".
func SumString(data []byte) string {
	c, err := Sum(data)
	if err != nil {
		return ""
	}
	return c.String()
}

// CanonicalURI returns the ipfs:// URI for an entity's canonical bytes.
// Equal canonical bytes always yield equal URIs.
func CanonicalURI(canonical []byte) string {
	s := SumString(canonical)
	if s == "" {
		return ""
	}
	return URIScheme + s
}
