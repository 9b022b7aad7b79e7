package api

import (
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dbtlens/dbtlens/pkg/config"
)

// maxVerifiedTokens bounds the verified-token memo.
const maxVerifiedTokens = 1024

// tokenVerifier checks bearer tokens against the configured bcrypt hashes.
// A token that verified once is remembered by its sha256 digest so the
// bcrypt cost is paid once per token, not once per request.
type tokenVerifier struct {
	tokens []config.APIToken

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

func newTokenVerifier(tokens []config.APIToken) *tokenVerifier {
	return &tokenVerifier{
		tokens:   tokens,
		verified: make(map[[sha256.Size]byte]string, len(tokens)),
	}
}

// verify returns the name of the token matching plaintext.
func (v *tokenVerifier) verify(plaintext string) (string, bool) {
	if plaintext == "" {
		return "", false
	}

	digest := sha256.Sum256([]byte(plaintext))

	v.mu.RLock()
	name, ok := v.verified[digest]
	v.mu.RUnlock()

	if ok {
		return name, true
	}

	for _, tok := range v.tokens {
		if checkToken(tok.Hash, plaintext) {
			v.mu.Lock()
			if len(v.verified) >= maxVerifiedTokens {
				clear(v.verified)
			}

			v.verified[digest] = tok.Name
			v.mu.Unlock()

			return tok.Name, true
		}
	}

	return "", false
}

// checkToken compares a bcrypt hash with a plaintext token.
func checkToken(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(
		[]byte(hash), []byte(plaintext),
	) == nil
}
