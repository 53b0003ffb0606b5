package session

import "fmt"

// Record components within the key schema. Every hot-store key has the shape
// callyx:{env}:{type}:{id}:{component} so that operators can scan, expire and
// migrate classes of records independently.
const (
	ComponentSession = "session"
	ComponentHistory = "history"
	ComponentLease   = "lease"
	ComponentPhrase  = "phrase"
)

// Key builds a namespaced store key. env is the deployment environment
// ("prod", "staging", ...), typ the record type ("call", "browser"), id the
// session id and component one of the Component constants.
func Key(env, typ, id, component string) string {
	return fmt.Sprintf("callyx:%s:%s:%s:%s", env, typ, id, component)
}
