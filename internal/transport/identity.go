package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"

	"github.com/warpgrid/warpgrid/internal/types"
)

// PeerIdentity derives a stable peer id from a TLS connection state:
// the first 8 bytes of SHA-256 over the peer's certificate DER. The
// binding is deterministic, so the same certificate always maps to the
// same peer regardless of address.
//
// When no client certificate is presented, fallback is hashed instead
// (the connection's stable identifier, typically the remote address
// string). That id is only as stable as its source; certificate-bound
// identity is the production path.
func PeerIdentity(state tls.ConnectionState, fallback string) types.PeerID {
	if len(state.PeerCertificates) > 0 {
		return peerIDFromBytes(state.PeerCertificates[0].Raw)
	}
	return peerIDFromBytes([]byte(fallback))
}

func peerIDFromBytes(data []byte) types.PeerID {
	sum := sha256.Sum256(data)
	return types.PeerID(binary.LittleEndian.Uint64(sum[:8]))
}
