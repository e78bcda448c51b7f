package token

import "testing"

func TestHashSHA256Hex_Deterministic(t *testing.T) {
	a := HashSHA256Hex("secret-token")
	b := HashSHA256Hex("secret-token")
	if a != b {
		t.Fatalf("expected deterministic hash, got %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(a))
	}
}

func TestHashSHA256Hex_DifferentInputsDiffer(t *testing.T) {
	a := HashSHA256Hex("token-a")
	b := HashSHA256Hex("token-b")
	if a == b {
		t.Fatalf("expected distinct hashes for distinct inputs")
	}
}

func TestHashHMACSHA256Hex_KeyChangesDigest(t *testing.T) {
	a := HashHMACSHA256Hex("secret-token", []byte("key-one"))
	b := HashHMACSHA256Hex("secret-token", []byte("key-two"))
	if a == b {
		t.Fatalf("expected different keys to produce different digests")
	}
}

func TestHMACKeyFromEnv_Missing(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}
}

func TestHMACKeyFromEnv_TooShort(t *testing.T) {
	t.Setenv(HMACEnvKey, "short")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyTooShort {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}
}

func TestHMACKeyFromEnv_OK(t *testing.T) {
	key := "01234567890123456789012345678901"
	t.Setenv(HMACEnvKey, key)
	got, err := HMACKeyFromEnv(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != key {
		t.Fatalf("expected key %q, got %q", key, got)
	}
}

func TestHMACEnabled(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if HMACEnabled() {
		t.Fatalf("expected disabled when env var is blank")
	}
	t.Setenv(HMACEnvKey, "some-key-value")
	if !HMACEnabled() {
		t.Fatalf("expected enabled when env var is set")
	}
}

func TestHashRefreshTokenHex_FallsBackToSHA256WithoutKey(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	got := HashRefreshTokenHex("bearer-abc")
	want := HashSHA256Hex("bearer-abc")
	if got != want {
		t.Fatalf("expected SHA-256 fallback, got %q want %q", got, want)
	}
}

func TestHashRefreshTokenHex_UsesHMACWhenKeySet(t *testing.T) {
	key := "01234567890123456789012345678901"
	t.Setenv(HMACEnvKey, key)
	got := HashRefreshTokenHex("bearer-abc")
	want := HashHMACSHA256Hex("bearer-abc", []byte(key))
	if got != want {
		t.Fatalf("expected HMAC mode, got %q want %q", got, want)
	}
}

func TestHashRefreshTokenHexRequireHMAC_FailsWithoutKey(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HashRefreshTokenHexRequireHMAC("bearer-abc", 32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}
}

func TestHashRefreshTokenHexRequireHMAC_OK(t *testing.T) {
	key := "01234567890123456789012345678901"
	t.Setenv(HMACEnvKey, key)
	got, err := HashRefreshTokenHexRequireHMAC("bearer-abc", 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := HashHMACSHA256Hex("bearer-abc", []byte(key))
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
