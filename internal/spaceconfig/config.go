// Package spaceconfig loads per-space participant configuration (logical
// name, bearer credential, static capabilities) from YAML and implements the
// gateway.Authenticator interface against it. It has no opinion on how the
// YAML reaches disk; LoadFile and LoadBytes are thin wrappers over
// gopkg.in/yaml.v3 so tests can build a Store from an inline fixture.
package spaceconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// CapabilityConfig is the YAML-facing shape of a capability pattern. Payload
// is a generic YAML mapping rather than wire.Capability's json.RawMessage,
// since yaml.v3 cannot decode into a raw JSON byte slice directly; ToWire
// bridges the two by re-marshaling through encoding/json.
type CapabilityConfig struct {
	Kind    string         `yaml:"kind"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// ParticipantConfig describes one logical participant's credential and
// static capability grant. Exactly one of Token or TokenHash should be set:
// Token is hashed at load time for the fast lookup index (dev/back-compat,
// mirrors internal/security/token's SHA-256/HMAC fallback); TokenHash holds
// an argon2id digest (see tokenhash.go) for operators who pre-hash
// credentials at rest and accept the linear-scan verification cost on the
// auth path.
type ParticipantConfig struct {
	Token        string             `yaml:"token,omitempty"`
	TokenHash    string             `yaml:"token_hash,omitempty"`
	AutoStart    string             `yaml:"auto_start,omitempty"`
	Capabilities []CapabilityConfig `yaml:"capabilities,omitempty"`
}

// SpaceConfig is one space's participant roster.
type SpaceConfig struct {
	ID           string                       `yaml:"id"`
	Participants map[string]ParticipantConfig `yaml:"participants"`
}

// File is the top-level document shape: a list of spaces, so one file can
// seed a gateway process serving several spaces at once.
type File struct {
	Spaces []SpaceConfig `yaml:"spaces"`
}

func (c CapabilityConfig) toWire() (wire.Capability, error) {
	cap := wire.Capability{Kind: c.Kind}
	if len(c.Payload) == 0 {
		return cap, nil
	}
	b, err := json.Marshal(c.Payload)
	if err != nil {
		return wire.Capability{}, fmt.Errorf("capability payload for kind %q: %w", c.Kind, err)
	}
	cap.Payload = b
	return cap, nil
}

// LoadBytes parses a YAML document into a File.
func LoadBytes(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("spaceconfig: parse yaml: %w", err)
	}
	return &f, nil
}

// LoadFile reads and parses a space-config YAML file from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spaceconfig: read %s: %w", path, err)
	}
	return LoadBytes(data)
}
