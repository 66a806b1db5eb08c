package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v with object keys sorted at every nesting level,
// so that two semantically equal payloads always produce identical bytes.
// Numbers are preserved as their original literals.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal for canonicalization: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm interface{}
	if err := dec.Decode(&norm); err != nil {
		return nil, fmt.Errorf("crypto: normalize for canonicalization: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("crypto: canonical marshal: %w", err)
	}
	return out, nil
}

// Checksum returns the hex SHA-256 of the canonical JSON of v.
func Checksum(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SignHMAC returns the hex HMAC-SHA256 of body under secret.
func SignHMAC(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature matches SignHMAC(secret, body) in
// constant time.
func VerifyHMAC(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
