package api

import (
	"crypto/rand"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	connIDPrefix = "conn_"
)

var connIDPattern = regexp.MustCompile(`^conn_[a-zA-Z0-9]{24}$`)

// NewConnectionID generates an opaque connection id with the "conn_"
// prefix followed by 24 cryptographically random alphanumeric characters.
func NewConnectionID() string {
	return connIDPrefix + randomAlphanumeric(idLength)
}

// ValidateConnectionID checks whether id was produced by NewConnectionID.
func ValidateConnectionID(id string) bool {
	return connIDPattern.MatchString(id)
}

// randomAlphanumeric draws n characters from charset. Bytes at or above
// the largest multiple of len(charset) are discarded so every character is
// equally likely.
func randomAlphanumeric(n int) string {
	const limit = 256 - 256%len(charset)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		for _, c := range buf {
			if int(c) < limit && len(out) < n {
				out = append(out, charset[int(c)%len(charset)])
			}
		}
	}
	return string(out)
}
