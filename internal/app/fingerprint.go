package app

import "fmt"

// Fingerprint derives the stable identity key a rate-limit counter is
// stored under. Authenticated requests are keyed by user id so a user
// cannot dodge a limit by rotating IPs; anonymous requests fall back to
// the client IP. The operation identifier keeps budgets per-operation.
func Fingerprint(principalID, clientIP, operation string) string {
	if principalID != "" {
		return fmt.Sprintf("rate_limit:user:%s:%s", principalID, operation)
	}
	return fmt.Sprintf("rate_limit:ip:%s:%s", clientIP, operation)
}
