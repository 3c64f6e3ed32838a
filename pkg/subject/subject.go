// Package subject implements the hierarchical subject grammar used to
// address Relay endpoints: dot-separated tokens with NATS-style `*` and `>`
// wildcards in patterns. Concrete subjects carry no wildcards.
package subject

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// TokenSingle matches exactly one token at its position.
	TokenSingle = "*"

	// TokenTail matches one or more remaining tokens. Only valid as the
	// final token of a pattern.
	TokenTail = ">"

	// HashLen is the length of an endpoint hash in hex characters.
	HashLen = 12
)

// Validate checks a concrete subject: non-empty, dot-separated tokens from
// [A-Za-z0-9_-], no wildcards.
func Validate(s string) error {
	return validate(s, false)
}

// ValidatePattern checks a subscription/ACL pattern. Patterns may use `*`
// anywhere and `>` as the last token.
func ValidatePattern(p string) error {
	return validate(p, true)
}

func validate(s string, pattern bool) error {
	if s == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		if tok == "" {
			return fmt.Errorf("subject %q contains an empty token", s)
		}
		if pattern {
			if tok == TokenSingle {
				continue
			}
			if tok == TokenTail {
				if i != len(tokens)-1 {
					return fmt.Errorf("subject %q: %q is only valid as the last token", s, TokenTail)
				}
				continue
			}
		}
		if !validToken(tok) {
			return fmt.Errorf("subject %q contains invalid token %q", s, tok)
		}
	}
	return nil
}

func validToken(tok string) bool {
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// IsPattern reports whether s contains any wildcard token.
func IsPattern(s string) bool {
	for _, tok := range strings.Split(s, ".") {
		if tok == TokenSingle || tok == TokenTail {
			return true
		}
	}
	return false
}

// Match reports whether the concrete subject matches the pattern.
// Matching is literal, case-sensitive token comparison; `*` consumes exactly
// one token and `>` consumes one or more remaining tokens.
func Match(pattern, concrete string) bool {
	if pattern == "" || concrete == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	ct := strings.Split(concrete, ".")

	for i, p := range pt {
		if p == TokenTail {
			// `>` needs at least one token left to consume.
			return i == len(pt)-1 && len(ct) > i
		}
		if i >= len(ct) {
			return false
		}
		if p != TokenSingle && p != ct[i] {
			return false
		}
	}
	return len(pt) == len(ct)
}

// Hash derives the mailbox directory name for a subject: the first six
// bytes of BLAKE2b-256, lowercase hex. Pure and stable across processes.
func Hash(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:HashLen/2])
}

// LastToken returns the final token of a subject ("" for empty input).
func LastToken(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}
