package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"testing"
)

// computeSignature returns the hex HMAC-SHA512 of body, as WAHA sends it.
func computeSignature(body []byte, key string) string {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySecret(t *testing.T) {
	if err := verifySecret("abc", "abc"); err != nil {
		t.Errorf("matching secret rejected: %v", err)
	}
	if err := verifySecret("abd", "abc"); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := verifySecret("", ""); err == nil {
		t.Error("empty configured secret must reject")
	}
}

func TestVerifyHMACSignature(t *testing.T) {
	// RFC 4231 test case 2.
	body := []byte("what do ya want for nothing?")
	const want = "164b7a7bfcf819e2e395fbe73b56e0a387bd64222e831fd610270cd7ea2505549758bf75c05a994a6d034f65f8f0e6fdcaeab1a34d4a6b4b636e070a38bce737"

	if err := verifyHMACSignature(body, want, "Jefe"); err != nil {
		t.Errorf("known signature rejected: %v", err)
	}
	if err := verifyHMACSignature(body, "sha512="+want, "Jefe"); err != nil {
		t.Errorf("prefixed signature rejected: %v", err)
	}
	if err := verifyHMACSignature(body, want, "other"); err == nil {
		t.Error("signature under another key accepted")
	}
	if err := verifyHMACSignature(body, "zz", "Jefe"); err == nil {
		t.Error("non-hex signature accepted")
	}
	if err := verifyHMACSignature(body, "", "Jefe"); err == nil {
		t.Error("missing signature accepted")
	}
}
