package cache

import "fmt"

// RateLimitKey scopes a rate-limit window counter. scope is either a
// principal id or an anonymous bucket identifier.
func RateLimitKey(scope string) string {
	return fmt.Sprintf("ratelimit:%s", scope)
}
