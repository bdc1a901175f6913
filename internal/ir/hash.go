package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for derived identifiers.
// The version suffix allows the hash layout to change without collisions.
const (
	DomainUniqueIdentity = "sagastore/unique/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// UniqueIdentityHash derives the stable hash segment of a unique identity
// record key. Equal (variant, property, value) triples always hash equal, and
// values of different kinds never do: IRInt(1) and IRString("1") differ.
func UniqueIdentityHash(variant, property string, value IRValue) (string, error) {
	if !IsScalar(value) {
		return "", fmt.Errorf("UniqueIdentityHash: value must be string, int or bool, got %s", Kind(value))
	}
	canonical, err := MarshalCanonical(IRObject{
		"variant":  IRString(variant),
		"property": IRString(property),
		"value":    value,
	})
	if err != nil {
		return "", fmt.Errorf("UniqueIdentityHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainUniqueIdentity, canonical), nil
}

// MustUniqueIdentityHash is like UniqueIdentityHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustUniqueIdentityHash(variant, property string, value IRValue) string {
	h, err := UniqueIdentityHash(variant, property, value)
	if err != nil {
		panic(err)
	}
	return h
}
