// Package auth is the agent directory used at login: credentials, security
// level, profile and skill assignments. Backed by Postgres in production
// and by an in-memory store for development and tests.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/openacd/openacd/internal/agent"
)

var (
	// ErrBadCredentials covers both unknown logins and wrong passwords so
	// callers cannot probe for valid logins.
	ErrBadCredentials = errors.New("invalid login or password")

	// ErrNotFound reports a login absent from the directory.
	ErrNotFound = errors.New("agent not found")
)

// Record is one directory entry.
type Record struct {
	ID           string
	Login        string
	PasswordHash string
	Security     agent.SecurityLevel
	Profile      string
	Skills       []agent.Skill
	Endpoint     string
}

// Store resolves and authenticates agent logins.
type Store interface {
	// Authenticate verifies the password and returns the record, or
	// ErrBadCredentials.
	Authenticate(ctx context.Context, login, password string) (*Record, error)

	// Get returns the record for a login, or ErrNotFound.
	Get(ctx context.Context, login string) (*Record, error)

	Close()
}

// HashPassword returns the stored form of a password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func checkPassword(hash, password string) bool {
	candidate := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(candidate)) == 1
}

// parseSkills turns stored skill tokens into skill values. Parameterized
// skills use the "atom(value)" form.
func parseSkills(tokens []string) []agent.Skill {
	skills := make([]agent.Skill, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if open := strings.IndexByte(tok, '('); open > 0 && strings.HasSuffix(tok, ")") {
			skills = append(skills, agent.Skill{
				Atom:  tok[:open],
				Value: tok[open+1 : len(tok)-1],
			})
			continue
		}
		skills = append(skills, agent.Skill{Atom: tok})
	}
	return skills
}
