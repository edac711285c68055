package admission

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// compare is swapped in tests to observe what is compared.
var compare = subtle.ConstantTimeCompare

// SecretsEqual reports whether provided matches expected in time that
// depends only on len(expected). A provided value of a different length is
// still compared in full against a buffer of the expected length. An empty
// expected secret never matches.
func SecretsEqual(provided, expected string) bool {
	want := []byte(expected)
	got := make([]byte, len(want))
	copy(got, provided)

	sameLength := subtle.ConstantTimeEq(int32(len(provided)), int32(len(want)))
	equal := compare(got, want)

	return sameLength&equal == 1 && len(want) > 0
}

// HashSecret returns the hex SHA-256 of a secret. API keys are stored and
// looked up by this hash; webhook executions record it instead of the secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))

	return hex.EncodeToString(sum[:])
}
