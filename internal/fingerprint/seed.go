package fingerprint

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// seedSep keeps tenant/key/salt concatenation unambiguous.
const seedSep = 0x1f

// DeriveSeed fixes a run's randomness at admission: same tenant, same
// idempotency key, same deployment salt, same seed. Returned as 16 hex chars
// (64 bits).
func DeriveSeed(tenantID, idempotencyKey, salt string) string {
	h := blake3.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{seedSep})
	h.Write([]byte(idempotencyKey))
	h.Write([]byte{seedSep})
	h.Write([]byte(salt))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// SubSeed derives a stage-local seed so stages draw independent streams from
// the run seed. Unknown or malformed seeds still yield a deterministic value.
func SubSeed(seed, label string) uint64 {
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) == 0 {
		raw = []byte(seed)
	}
	h := blake3.New()
	h.Write(raw)
	h.Write([]byte{seedSep})
	h.Write([]byte(label))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
