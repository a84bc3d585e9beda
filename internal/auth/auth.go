// Package auth provides the resolver authorization capability used by the
// settlement engine. Resolution goes through a single gated entry point;
// how a caller proves its identity is up to the Authorizer.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/ethereum/go-ethereum/common"
)

// Authorizer decides whether a caller identity may resolve markets.
type Authorizer interface {
	IsAuthorizedResolver(ctx context.Context, caller string) bool
}

// StaticKey authorizes callers presenting one shared admin key.
type StaticKey struct {
	key []byte
}

// NewStaticKey returns a StaticKey authorizer. An empty key authorizes nobody.
func NewStaticKey(key string) *StaticKey {
	return &StaticKey{key: []byte(key)}
}

func (s *StaticKey) IsAuthorizedResolver(_ context.Context, caller string) bool {
	if len(s.key) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.key, []byte(caller)) == 1
}

// Allowlist authorizes a fixed set of resolver addresses. Addresses compare
// case-insensitively on their 20-byte value.
type Allowlist struct {
	resolvers map[common.Address]struct{}
}

// NewAllowlist builds an Allowlist. Entries that are not hex addresses are
// skipped.
func NewAllowlist(addresses ...string) *Allowlist {
	a := &Allowlist{resolvers: make(map[common.Address]struct{}, len(addresses))}
	for _, addr := range addresses {
		if common.IsHexAddress(addr) {
			a.resolvers[common.HexToAddress(addr)] = struct{}{}
		}
	}
	return a
}

// Len returns the number of authorized resolvers.
func (a *Allowlist) Len() int { return len(a.resolvers) }

func (a *Allowlist) IsAuthorizedResolver(_ context.Context, caller string) bool {
	if !common.IsHexAddress(caller) {
		return false
	}
	_, ok := a.resolvers[common.HexToAddress(caller)]
	return ok
}

// Any authorizes a caller accepted by at least one of its members.
type Any []Authorizer

func (as Any) IsAuthorizedResolver(ctx context.Context, caller string) bool {
	for _, a := range as {
		if a != nil && a.IsAuthorizedResolver(ctx, caller) {
			return true
		}
	}
	return false
}
