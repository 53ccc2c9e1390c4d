package alias

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

const tagAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const tagLength = 8

// SplitAddress splits a mailbox address into its lowercased local part and domain.
func SplitAddress(address string) (local, domain string, err error) {
	address = strings.ToLower(strings.TrimSpace(address))
	local, domain, ok := strings.Cut(address, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", fmt.Errorf("invalid address %q", address)
	}
	return local, domain, nil
}

// Canonical maps an alias back to the mailbox it is derived from: the plus tag is
// dropped and dots in the local part are ignored. Addresses that cannot be split are
// returned lowercased.
func Canonical(address string) string {
	local, domain, err := SplitAddress(address)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}
	return baseLocal(local) + "@" + domain
}

func baseLocal(local string) string {
	if before, _, ok := strings.Cut(local, "+"); ok {
		local = before
	}
	return strings.ReplaceAll(local, ".", "")
}

// dotted inserts at least one dot at random positions between the characters of the
// local part. ok is false when the local part is too short to take a dot.
func dotted(local string) (string, bool) {
	base := baseLocal(local)
	if len(base) < 2 {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(base) * 2)
	inserted := false
	forced := 1 + rand.IntN(len(base)-1)
	for i := 0; i < len(base); i++ {
		if i > 0 && (i == forced || rand.IntN(2) == 0) {
			b.WriteByte('.')
			inserted = true
		}
		b.WriteByte(base[i])
	}
	return b.String(), inserted
}

// tagged appends a random plus tag to the local part, keeping its dots.
func tagged(local string) string {
	if before, _, ok := strings.Cut(local, "+"); ok {
		local = before
	}

	tag := make([]byte, tagLength)
	for i := range tag {
		tag[i] = tagAlphabet[rand.IntN(len(tagAlphabet))]
	}
	return local + "+" + string(tag)
}
