// Package token mints and resolves the bearer capabilities of an encounter.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"dndtracker/internal/encounter"
)

// tokenBytes is the entropy of a minted token before encoding.
const tokenBytes = 24

// Grant is what a resolved token allows.
type Grant struct {
	EncounterID string
	Role        encounter.Role
}

// Pair holds the two raw tokens handed out at creation. They are never
// stored; only their digests are.
type Pair struct {
	Host   string
	Player string
}

type entry struct {
	digest []byte
	grant  Grant
}

// Authority keeps the digests of every live token. Lookups are keyed by a
// MAC of the token under the server secret, so the map never sees raw
// tokens and lookup timing reveals nothing usable about them.
type Authority struct {
	key [32]byte

	mu          sync.RWMutex
	byDigest    map[string]entry
	byEncounter map[string][]string
}

// NewAuthority derives the MAC key from secret.
func NewAuthority(secret string) *Authority {
	return &Authority{
		key:         blake2b.Sum256([]byte(secret)),
		byDigest:    make(map[string]entry),
		byEncounter: make(map[string][]string),
	}
}

// Mint issues the host and player tokens of encounterID. It is called once
// per encounter; minting again replaces nothing and fails.
func (a *Authority) Mint(encounterID string) (Pair, error) {
	if strings.TrimSpace(encounterID) == "" {
		return Pair{}, fmt.Errorf("%w: encounter id is required", encounter.ErrInvalidArgument)
	}

	host, err := generate()
	if err != nil {
		return Pair{}, err
	}
	player, err := generate()
	if err != nil {
		return Pair{}, err
	}

	hostDigest, playerDigest := a.digest(host), a.digest(player)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.byEncounter[encounterID]; exists {
		return Pair{}, fmt.Errorf("tokens already minted for encounter %s", encounterID)
	}
	a.byDigest[hex.EncodeToString(hostDigest)] = entry{digest: hostDigest, grant: Grant{EncounterID: encounterID, Role: encounter.RoleHost}}
	a.byDigest[hex.EncodeToString(playerDigest)] = entry{digest: playerDigest, grant: Grant{EncounterID: encounterID, Role: encounter.RolePlayer}}
	a.byEncounter[encounterID] = []string{hex.EncodeToString(hostDigest), hex.EncodeToString(playerDigest)}

	return Pair{Host: host, Player: player}, nil
}

// Resolve returns the grant bound to token.
func (a *Authority) Resolve(token string) (Grant, error) {
	if token == "" {
		return Grant{}, fmt.Errorf("%w: token is required", encounter.ErrUnauthorized)
	}
	digest := a.digest(token)

	a.mu.RLock()
	e, ok := a.byDigest[hex.EncodeToString(digest)]
	a.mu.RUnlock()

	if !ok || subtle.ConstantTimeCompare(e.digest, digest) != 1 {
		return Grant{}, fmt.Errorf("%w: token not recognized", encounter.ErrUnauthorized)
	}
	return e.grant, nil
}

// ResolveFor resolves token and requires it to belong to encounterID.
func (a *Authority) ResolveFor(encounterID, token string) (Grant, error) {
	grant, err := a.Resolve(token)
	if err != nil {
		return Grant{}, err
	}
	if subtle.ConstantTimeCompare([]byte(grant.EncounterID), []byte(encounterID)) != 1 {
		return Grant{}, fmt.Errorf("%w: token belongs to another encounter", encounter.ErrUnauthorized)
	}
	return grant, nil
}

// Revoke drops both tokens of encounterID. Revoking twice is a no-op.
func (a *Authority) Revoke(encounterID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.byEncounter[encounterID] {
		delete(a.byDigest, key)
	}
	delete(a.byEncounter, encounterID)
}

// Digest returns the hex MAC of token, the form persisted by archives.
func (a *Authority) Digest(token string) string {
	return hex.EncodeToString(a.digest(token))
}

func (a *Authority) digest(token string) []byte {
	h, err := blake2b.New256(a.key[:])
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(token))
	return h.Sum(nil)
}

func generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
