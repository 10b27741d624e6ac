package passes

import (
	"crypto/rand"
	"math/big"
)

const (
	codeLength   = 8
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var alphabetSize = big.NewInt(int64(len(codeAlphabet)))

// randomCode returns codeLength characters drawn uniformly from codeAlphabet.
func randomCode() (string, error) {
	b := make([]byte, codeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}
