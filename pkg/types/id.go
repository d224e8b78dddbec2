package types

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// idAlphabet is the uniform alphabet for entity identifiers. The 21-character
// length and alphabet are part of the external wire contract.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// IDLength is the length of every entity identifier.
const IDLength = 21

// NewID generates a new opaque entity identifier.
func NewID() string {
	id, err := gonanoid.Generate(idAlphabet, IDLength)
	if err != nil {
		// gonanoid only fails when the platform CSPRNG is broken.
		panic(err)
	}
	return id
}
