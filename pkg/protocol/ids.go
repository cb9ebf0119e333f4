package protocol

import (
	"crypto/rand"
	"io"
	"math/big"
)

// IDAlphabet is 0-9A-Z without the easily confused H, I and O.
const IDAlphabet = "0123456789ABCDEFGJKLMNPQRSTUVWXYZ"

const IDLength = 5

// NewID returns a random identifier drawn from IDAlphabet. A nil reader uses
// crypto/rand.
func NewID(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	max := big.NewInt(int64(len(IDAlphabet)))
	code := make([]byte, IDLength)
	for i := range code {
		num, err := rand.Int(r, max)
		if err != nil {
			return "", err
		}
		code[i] = IDAlphabet[num.Int64()]
	}
	return string(code), nil
}

// NewUniqueID regenerates until taken reports the id as free.
func NewUniqueID(r io.Reader, taken func(string) bool) (string, error) {
	for {
		id, err := NewID(r)
		if err != nil {
			return "", err
		}
		if !taken(id) {
			return id, nil
		}
	}
}
