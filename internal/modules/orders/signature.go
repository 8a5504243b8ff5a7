package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/iharari2/volbalance/internal/domain"
)

// SignRequest hashes the canonical request body of a submission. Replays
// of the same idempotency key must carry the same signature; a mismatch is
// a conflict, not a replay.
func SignRequest(side domain.Side, qty float64) string {
	canonical := fmt.Sprintf("side=%s&qty=%.9f", side, qty)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
