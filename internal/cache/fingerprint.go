package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint is the content address of a cached result.
type Fingerprint string

// String returns the hex digest.
func (f Fingerprint) String() string { return string(f) }

// FingerprintOf derives the cache address for content evaluated under a
// context discriminator. The discriminator is length-prefixed so no
// (content, context) pair can collide with a different split of the same
// concatenated bytes.
func FingerprintOf(content []byte, discriminator string) Fingerprint {
	h := sha256.New()

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(discriminator)))
	h.Write(n[:])
	h.Write([]byte(discriminator))
	h.Write(content)

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// TemplateDiscriminator scopes a validation result to the template it was
// checked against. descriptor is the encoded template, so an edited template
// with an unchanged ID gets a fresh address.
func TemplateDiscriminator(templateID string, descriptor []byte) string {
	sum := sha256.Sum256(descriptor)
	return "template:" + templateID + ":" + hex.EncodeToString(sum[:])
}
