package utils

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

const roomIDBytes = 24

var nonWord = strings.NewReplacer("+", "", "/", "", "=", "")

// NewRoomID returns an opaque random room token made of base64 word characters.
func NewRoomID() (string, error) {
	buf := make([]byte, roomIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return nonWord.Replace(base64.StdEncoding.EncodeToString(buf)), nil
}
