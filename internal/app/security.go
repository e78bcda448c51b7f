package app

import (
	"errors"

	"github.com/rjcorwin/mew-protocol-sub006/internal/security/token"
)

// ValidateSecurityConfig enforces the gateway's bearer-token security policy
// at startup. Fail-fast is intentional: silently falling back to weaker
// hashing in production is unacceptable, and the same module that performs
// the hashing (security/token) is the one consulted here, so the policy
// check can never drift from the actual hashing behavior.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// 32 bytes is the minimum recommended HMAC-SHA256 secret size; measured
	// in bytes (not runes) since the key is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: MEW_REQUIRE_TOKEN_HMAC=true but MEW_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: MEW_REQUIRE_TOKEN_HMAC=true but MEW_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: MEW_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
