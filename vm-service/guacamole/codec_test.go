package guacamole

import (
	"encoding/base64"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testKey = []byte("0123456789abcdef")

func testDescriptor() Descriptor {
	return Descriptor{
		Username: "E100",
		Expires:  5099802600000,
		Connections: map[string]Connection{
			"VNC-Session": {
				Protocol: "vnc",
				Parameters: Parameters{
					Hostname: "10.0.1.5",
					Port:     "5901",
					Password: "CollabSecVM",
				},
			},
		},
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	want := testDescriptor()

	token, err := Seal(want, testKey)
	if err != nil {
		t.Fatalf("expected Seal to succeed, got error: %s", err)
	}

	got, err := Unseal(token, testKey)
	if err != nil {
		t.Fatalf("expected Unseal to succeed, got error: %s", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("descriptor mismatch after round trip (-want +got):\n%s", diff)
	}
}

func TestSealIsDeterministic(t *testing.T) {
	first, err := Seal(testDescriptor(), testKey)
	if err != nil {
		t.Fatalf("expected Seal to succeed, got error: %s", err)
	}
	second, err := Seal(testDescriptor(), testKey)
	if err != nil {
		t.Fatalf("expected Seal to succeed, got error: %s", err)
	}

	if first != second {
		t.Errorf("expected identical descriptors to seal identically, got %s and %s", first, second)
	}
}

func TestUnsealRejectsTampering(t *testing.T) {
	token, err := Seal(testDescriptor(), testKey)
	if err != nil {
		t.Fatalf("expected Seal to succeed, got error: %s", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("expected the token to be valid base64, got error: %s", err)
	}

	// Flipping any single bit anywhere in the ciphertext must invalidate the
	// token: either the padding, the signature, or the payload breaks.
	for i := range sealed {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01

		if _, err := Unseal(base64.StdEncoding.EncodeToString(tampered), testKey); err == nil {
			t.Errorf("expected Unseal to reject a token with byte %d flipped, got nil", i)
		}
	}
}

func TestUnsealRejectsWrongKey(t *testing.T) {
	token, err := Seal(testDescriptor(), testKey)
	if err != nil {
		t.Fatalf("expected Seal to succeed, got error: %s", err)
	}

	otherKey := []byte("fedcba9876543210")
	if _, err := Unseal(token, otherKey); err == nil {
		t.Error("expected Unseal with the wrong key to fail, got nil")
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	if _, err := Seal(testDescriptor(), []byte("short")); err == nil {
		t.Error("expected Seal to reject a short key, got nil")
	}
	if _, err := Seal(testDescriptor(), []byte("0123456789abcdef0123456789abcdef")); err == nil {
		t.Error("expected Seal to reject an AES-256 length key, got nil")
	}
}

func TestUnsealRejectsGarbage(t *testing.T) {
	testMap := []struct {
		testName string
		token    string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"empty", ""},
		{"not block aligned", base64.StdEncoding.EncodeToString([]byte("tooshort"))},
	}

	for _, value := range testMap {
		if _, err := Unseal(value.token, testKey); err == nil {
			t.Errorf("expected Unseal to reject %s token, got nil", value.testName)
		}
	}
}
