package app

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/dkeye/jamroom/internal/domain"
)

var alphabetSize = big.NewInt(int64(len(domain.RoomIDAlphabet)))

// RandomRoomID draws a 6-char uppercase alphanumeric id from crypto/rand.
func RandomRoomID() (domain.RoomID, error) {
	b := make([]byte, domain.RoomIDLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("room id: %w", err)
		}
		b[i] = domain.RoomIDAlphabet[n.Int64()]
	}
	return domain.RoomID(b), nil
}
