package withdrawal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// otp is a freshly issued one-time code. Only the salted hash is persisted;
// the clear code goes out once through the notification event.
type otp struct {
	code      string
	salt      string
	hash      string
	expiresAt time.Time
}

func newOTP(ttl time.Duration) (otp, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return otp{}, err
	}
	code := fmt.Sprintf("%06d", n.Int64())

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return otp{}, err
	}
	salt := hex.EncodeToString(saltBytes)

	return otp{
		code:      code,
		salt:      salt,
		hash:      hashOTP(salt, code),
		expiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func hashOTP(salt, code string) string {
	sum := sha256.Sum256([]byte(salt + code))
	return hex.EncodeToString(sum[:])
}

func verifyOTP(storedHash, salt, code string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashOTP(salt, code))) == 1
}
