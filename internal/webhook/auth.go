package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// verifySecret compares the shared secret header in constant time.
// All errors are generic to prevent information leakage.
func verifySecret(provided, expected string) error {
	if expected == "" || provided == "" {
		return fmt.Errorf("webhook verification failed")
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return fmt.Errorf("webhook verification failed")
	}
	return nil
}

// verifyHMACSignature checks a hex HMAC-SHA512 of body. An optional
// "sha512=" prefix is accepted.
func verifyHMACSignature(body []byte, signature, key string) error {
	if key == "" || signature == "" {
		return fmt.Errorf("webhook verification failed")
	}

	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := hex.DecodeString(strings.TrimPrefix(signature, "sha512="))
	if err != nil {
		return fmt.Errorf("webhook verification failed")
	}
	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return fmt.Errorf("webhook verification failed")
	}
	return nil
}
