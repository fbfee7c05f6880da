package protocol

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Room codes are six characters drawn from the uppercase alphanumeric set.
const (
	RoomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateRoomCode returns a fresh random room code.
func GenerateRoomCode() string {
	var b strings.Builder
	b.Grow(RoomCodeLength)
	for i := 0; i < RoomCodeLength; i++ {
		b.WriteByte(roomCodeAlphabet[randomIndex(len(roomCodeAlphabet))])
	}
	return b.String()
}

// NormalizeRoomCode uppercases and trims a user-entered code so that
// "ab12cd" and "AB12CD" name the same room.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode reports whether code is exactly six uppercase alphanumeric
// characters. Callers should normalize first.
func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// randomIndex returns a cryptographically secure random index below max.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		// crypto/rand only fails if the platform RNG is broken.
		panic("protocol: random source unavailable: " + err.Error())
	}
	return int(n.Int64())
}
