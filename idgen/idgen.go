// Package idgen generates the identifiers used across dastyar.
//
// Every persisted entity gets a UUIDv7 behind a short type prefix so that
// IDs sort by creation time and are recognisable in logs:
//
//	job_0193...   transcription / correction job
//	tsk_0193...   runtime task
//	grp_0193...   task group (fan-out)
//	txn_0193...   wallet transaction
//	usr_0193...   user
//	key_0193...   API key
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator of random base-36 strings of the given length.
// Used for API key secrets, where time ordering must not leak.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Entity generators.
var (
	Job   = Prefixed("job_", UUIDv7())
	Task  = Prefixed("tsk_", UUIDv7())
	Group = Prefixed("grp_", UUIDv7())
	Txn   = Prefixed("txn_", UUIDv7())
	User  = Prefixed("usr_", UUIDv7())
	Key   = Prefixed("key_", UUIDv7())
)

// Validate checks that id is prefix followed by a well-formed UUID.
// HTTP handlers use it to reject garbage path parameters before hitting
// the database.
func Validate(prefix, id string) error {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return fmt.Errorf("idgen: %q lacks prefix %q", id, prefix)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return fmt.Errorf("idgen: invalid id %q: %w", id, err)
	}
	return nil
}
