package spaceconfig

import (
	"fmt"
	"sync"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/security/token"
)

// entry is one logical participant's resolved authentication material.
type entry struct {
	logicalName string
	tokenHashes []string // argon2id-encoded hashes checked via linear scan
	static      capability.Set
}

// Store implements gateway.Authenticator over an in-memory space roster. It
// is immutable once built (Build/Load construct a new Store rather than
// mutating one in place), so it is safe for concurrent reads; Authenticate
// takes only a shared read lock. Only the plaintext-token fast index and the
// argon2id entry list participate in lookups.
type Store struct {
	mu sync.RWMutex

	// fastIndex maps a hashed plaintext token (internal/security/token's
	// SHA-256/HMAC digest, hex) to its entry, for O(1) lookup of
	// plaintext-configured tokens.
	fastIndex map[string]map[string]*entry // spaceID -> tokenHashHex -> entry

	// argonEntries holds entries configured via token_hash, scanned
	// linearly per space since argon2id's per-hash salt makes a reverse index
	// impossible without weakening the hash.
	argonEntries map[string][]*entry // spaceID -> entries
}

// NewStoreFromFile loads a space-config YAML file and builds a Store.
func NewStoreFromFile(path string) (*Store, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Build(f)
}

// Build constructs a Store from an already-parsed config File, hashing and
// indexing every participant's credential up front so Authenticate never
// touches YAML or performs I/O.
func Build(f *File) (*Store, error) {
	s := &Store{
		fastIndex:    make(map[string]map[string]*entry),
		argonEntries: make(map[string][]*entry),
	}

	for _, space := range f.Spaces {
		if space.ID == "" {
			return nil, fmt.Errorf("spaceconfig: space missing id")
		}
		s.fastIndex[space.ID] = make(map[string]*entry)

		for logicalName, pc := range space.Participants {
			static, err := staticCapabilitiesFrom(pc)
			if err != nil {
				return nil, fmt.Errorf("spaceconfig: space %q participant %q: %w", space.ID, logicalName, err)
			}

			e := &entry{logicalName: logicalName, static: static}

			switch {
			case pc.Token != "" && pc.TokenHash != "":
				return nil, fmt.Errorf("spaceconfig: space %q participant %q: set token or token_hash, not both", space.ID, logicalName)
			case pc.Token != "":
				s.fastIndex[space.ID][token.HashRefreshTokenHex(pc.Token)] = e
			case pc.TokenHash != "":
				e.tokenHashes = append(e.tokenHashes, pc.TokenHash)
				s.argonEntries[space.ID] = append(s.argonEntries[space.ID], e)
			default:
				return nil, fmt.Errorf("spaceconfig: space %q participant %q: missing token or token_hash", space.ID, logicalName)
			}
		}
	}

	return s, nil
}

func staticCapabilitiesFrom(pc ParticipantConfig) (capability.Set, error) {
	set := make(capability.Set, 0, len(pc.Capabilities))
	for _, c := range pc.Capabilities {
		w, err := c.toWire()
		if err != nil {
			return nil, err
		}
		set = append(set, w)
	}
	return set, nil
}

// Authenticate implements gateway.Authenticator. It first checks the
// constant-size fast index (plaintext-configured tokens, hashed the same way
// internal/security/token hashes them), then falls back to a linear argon2id
// scan over token_hash-configured participants in the space, verified
// with the argon2id parameters encoded in each stored hash.
func (s *Store) Authenticate(spaceID, tok string) (logicalName string, static capability.Set, ok bool) {
	if tok == "" {
		return "", nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if byHash, exists := s.fastIndex[spaceID]; exists {
		if e, found := byHash[token.HashRefreshTokenHex(tok)]; found {
			return e.logicalName, e.static, true
		}
	}

	for _, e := range s.argonEntries[spaceID] {
		for _, h := range e.tokenHashes {
			if verifyTokenArgon2id(h, tok) {
				return e.logicalName, e.static, true
			}
		}
	}

	return "", nil, false
}
