package spaceconfig

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2idParams mirrors the shape (and a conservative subset) of the
// teacher's password-hashing cost parameters, reused here for hashing opaque
// bearer tokens at rest rather than user passwords: tokens are already
// high-entropy, so the memory/iteration cost only needs to defend against an
// attacker who has exfiltrated the config file, not against guessing.
type argon2idParams struct {
	memoryKiB   uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

func defaultTokenHashParams() argon2idParams {
	return argon2idParams{
		memoryKiB:   19 * 1024,
		iterations:  2,
		parallelism: 1,
		saltLength:  16,
		keyLength:   32,
	}
}

const argon2idVersion = 19 // argon2.Version

// hashTokenArgon2id encodes a bearer token as
// $argon2id$v=19$m=<kib>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
// for storage in a space-config file's token_hash field.
func hashTokenArgon2id(token string, params argon2idParams) (string, error) {
	salt := make([]byte, params.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("spaceconfig: token salt: %w", err)
	}

	key := argon2.IDKey([]byte(token), salt, params.iterations, params.memoryKiB, params.parallelism, params.keyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2idVersion, params.memoryKiB, params.iterations, params.parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// verifyTokenArgon2id reports whether token matches the encoded hash.
func verifyTokenArgon2id(encoded, token string) bool {
	params, salt, expected, err := decodeTokenHash(encoded)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(token), salt, params.iterations, params.memoryKiB, params.parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1
}

func decodeTokenHash(encoded string) (argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argon2idParams{}, nil, nil, fmt.Errorf("spaceconfig: malformed token hash")
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2idVersion) {
		return argon2idParams{}, nil, nil, fmt.Errorf("spaceconfig: unsupported argon2 version %q", parts[2])
	}

	var mem, iter, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil || mem == 0 || iter == 0 || par == 0 {
		return argon2idParams{}, nil, nil, fmt.Errorf("spaceconfig: malformed token hash params")
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return argon2idParams{}, nil, nil, fmt.Errorf("spaceconfig: malformed token hash salt: %w", err)
	}
	hash, err := b64.DecodeString(parts[5])
	if err != nil {
		return argon2idParams{}, nil, nil, fmt.Errorf("spaceconfig: malformed token hash digest: %w", err)
	}

	return argon2idParams{memoryKiB: mem, iterations: iter, parallelism: uint8(par)}, salt, hash, nil
}
