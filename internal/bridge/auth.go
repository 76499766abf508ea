package bridge

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// Authorizer decides whether a session token may use requires_auth addresses.
type Authorizer interface {
	Authorize(ctx context.Context, token string) bool
}

// BcryptAuthorizer accepts tokens matching one of a set of bcrypt hashes.
type BcryptAuthorizer struct {
	hashes [][]byte
}

func NewBcryptAuthorizer(hashes []string) *BcryptAuthorizer {
	a := &BcryptAuthorizer{}
	for _, h := range hashes {
		if h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

func (a *BcryptAuthorizer) Authorize(_ context.Context, token string) bool {
	if token == "" {
		return false
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return true
		}
	}
	return false
}

// denyAll is used when no authorizer is configured.
type denyAll struct{}

func (denyAll) Authorize(context.Context, string) bool { return false }
