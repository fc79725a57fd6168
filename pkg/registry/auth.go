// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// HashToken returns the hex SHA-256 of a raw API token. Only hashes are
// persisted or compared.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewToken mints a fresh random API token.
func NewToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return "e2e_" + hex.EncodeToString(buf)
}

// BearerToken extracts the bearer token from a request, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticator resolves request credentials against the configured admin
// and monitor tokens plus tenant API keys.
type authenticator struct {
	store            *Store
	adminTokenHash   string
	monitorTokenHash string
}

func newAuthenticator(store *Store, adminToken, monitorToken string) *authenticator {
	a := &authenticator{store: store}
	if adminToken != "" {
		a.adminTokenHash = HashToken(adminToken)
	}
	if monitorToken != "" {
		a.monitorTokenHash = HashToken(monitorToken)
	}
	return a
}

func hashEqual(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// isAdmin reports whether the request carries the admin token.
func (a *authenticator) isAdmin(r *http.Request) bool {
	tok := BearerToken(r)
	return tok != "" && hashEqual(a.adminTokenHash, HashToken(tok))
}

// isMonitor reports whether the request carries the monitor token (admin
// implies monitor).
func (a *authenticator) isMonitor(r *http.Request) bool {
	tok := BearerToken(r)
	if tok == "" {
		return false
	}
	h := HashToken(tok)
	return hashEqual(a.monitorTokenHash, h) || hashEqual(a.adminTokenHash, h)
}

// tenant resolves the request's bearer token to a tenant, or nil.
func (a *authenticator) tenant(r *http.Request) (*Tenant, error) {
	tok := BearerToken(r)
	if tok == "" {
		return nil, nil
	}
	t, err := a.store.TenantForTokenHash(HashToken(tok))
	if err == ErrNotFound {
		return nil, nil
	}
	return t, err
}
