package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// NonceTick is the validity step of a nonce. A nonce is accepted during the
// tick it was minted in and the one after, so it lives 12 to 24 hours.
const NonceTick = 12 * time.Hour

const nonceSize = 10

// Nonces mints and checks request nonces bound to an action and a subject.
// Anonymous callers use an empty subject.
type Nonces struct {
	key []byte
	now func() time.Time
}

// NewNonces creates a nonce source keyed by secret.
func NewNonces(secret string) (*Nonces, error) {
	if secret == "" {
		return nil, fmt.Errorf("nonce secret is empty")
	}
	key := blake2b.Sum256([]byte(secret))
	return &Nonces{key: key[:], now: time.Now}, nil
}

// Create returns a nonce for action and subject.
func (n *Nonces) Create(action, subject string) string {
	return n.mac(action, subject, n.tick())
}

// Verify reports whether nonce is valid for action and subject.
func (n *Nonces) Verify(nonce, action, subject string) bool {
	if nonce == "" {
		return false
	}
	tick := n.tick()
	for _, t := range []int64{tick, tick - 1} {
		want := n.mac(action, subject, t)
		if subtle.ConstantTimeCompare([]byte(nonce), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func (n *Nonces) tick() int64 {
	return n.now().Unix() / int64(NonceTick/time.Second)
}

func (n *Nonces) mac(action, subject string, tick int64) string {
	h, err := blake2b.New(nonceSize, n.key)
	if err != nil {
		// Only fails for an invalid size or key length, both fixed here.
		panic(err)
	}
	h.Write([]byte(action + "|" + subject + "|" + strconv.FormatInt(tick, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
