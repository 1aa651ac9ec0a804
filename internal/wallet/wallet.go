// Package wallet handles wallet-address validation and case normalization.
// Every ledger key derives from the normalized form so that the same wallet
// written with different letter casing maps to a single share account.
package wallet

import (
	"errors"
	"regexp"
	"strings"
)

// addressRegex matches an EVM-style address: 0x followed by 40 hex chars.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrInvalidAddress is returned for anything that is not a well-formed
// wallet address.
var ErrInvalidAddress = errors.New("wallet: invalid address")

// Normalize validates addr and returns its canonical lower-case form.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressRegex.MatchString(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(addr), nil
}
