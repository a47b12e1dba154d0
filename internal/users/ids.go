// internal/users/ids.go
package users

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/XertroV/cgf-server/internal/consts"
)

// GenUID returns nBytes of randomness, hex encoded (2*nBytes chars).
func GenUID(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// UIDFromAccountID derives the stable uid for a platform account.
func UIDFromAccountID(accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	return hex.EncodeToString(sum[:])[:20]
}

// GenLegacyUID derives a uid for a username/secret registration. Salted
// with the clock so the same name registered twice gets distinct uids.
func GenLegacyUID(name, wsid string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%v|%s", name, time.Now().Unix(), wsid)))
	return hex.EncodeToString(sum[:])[:20]
}

// GenJoinCode returns a 6-char room join code. The alphabet has 32 symbols,
// so a modulo draw from random bytes is unbiased.
func GenJoinCode() string {
	b := make([]byte, consts.JoinCodeLen)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	code := make([]byte, consts.JoinCodeLen)
	for i, v := range b {
		code[i] = consts.JoinCodeAlphabet[int(v)%len(consts.JoinCodeAlphabet)]
	}
	return string(code)
}
