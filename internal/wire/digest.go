package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/cordial/internal/uniq"
)

// RequestDigest computes the canonical SHA-256 digest of a uniqueness
// request's identity-relevant fields: transaction id, signing identity and
// the set of resource references.
//
// CRITICAL: this is the ONLY serialization used for agreement. BFT replicas
// match replies by this digest, notaries sign it, and the signature is
// later verified against an independently recomputed digest - so the
// encoding must be canonical:
//   - strings are NFC normalized (visually identical identities hash equal)
//   - references are sorted (submission order does not change identity)
//   - every field is length-prefixed (no concatenation ambiguity)
//
// The transaction payload is deliberately excluded: the digest identifies
// WHAT is consumed by WHOM, and validating notaries check the payload
// separately before any digest is signed.
func RequestDigest(req uniq.Request) [32]byte {
	refs := make([]string, len(req.Refs))
	for i, ref := range req.Refs {
		refs[i] = norm.NFC.String(string(ref))
	}
	sort.Strings(refs)

	h := sha256.New()
	writeField(h, norm.NFC.String(string(req.TxID)))
	writeField(h, norm.NFC.String(req.Identity))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(refs)))
	h.Write(n[:])
	for _, ref := range refs {
		writeField(h, ref)
	}

	var out [32]byte
	h.Sum(out[:0])
	return out
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
