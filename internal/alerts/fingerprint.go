package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/risk"
)

// Fingerprint derives the stable identity of an alert condition. Two
// assessments with the same owner, farm, severity, and category collapse to
// one fingerprint, which is what the dedup windows key on.
func Fingerprint(ownerID farms.OwnerID, farmID farms.FarmID, severity risk.Severity, dimension risk.Dimension) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", ownerID, farmID, severity, dimension)))
	return hex.EncodeToString(digest[:])
}
