package round

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateSeed produces a cryptographically secure, hex-encoded 32-byte
// server seed for a round.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment is the SHA256 commitment to a server seed. The engine
// stores it on the Round as SeedCommitment, where it is returned with the
// round state; the round:start event does not include it.
func HashCommitment(serverSeed string) string {
	h := sha256.New()
	h.Write([]byte(serverSeed))
	return hex.EncodeToString(h.Sum(nil))
}

// VerificationHash is an HMAC-SHA256 over the round's public inputs —
// asset, round id, and starting price — so a client can recompute it
// against the revealed server seed and confirm the engine did not alter
// the round's starting conditions after the commitment was published.
// It does not determine the outcome; the outcome follows the live price
// feed, not this hash.
func VerificationHash(serverSeed, asset, roundID string, startPrice float64) string {
	data := fmt.Sprintf("%s:%s:%.8f", asset, roundID, startPrice)
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRound recomputes VerificationHash and compares it against
// claimedHash. The engine itself does not compute or publish a
// VerificationHash for its rounds.
func VerifyRound(serverSeed, asset, roundID string, startPrice float64, claimedHash string) bool {
	return hmac.Equal([]byte(VerificationHash(serverSeed, asset, roundID, startPrice)), []byte(claimedHash))
}
