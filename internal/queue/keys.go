package queue

import "fmt"

// Keys names the Redis structures of one queue. The hash tag keeps all keys
// on one cluster slot so the Lua scripts stay single-slot.
type Keys struct {
	Pending string // LIST, LPUSH in / BRPOP out
	Retry   string // ZSET, score = eligible-at epoch ms
	DLQ     string // LIST of JSON dead letters
	Claim   string // prefix for per-id claim keys
}

// NewKeys builds the key set for prefix, e.g. "convhook".
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "convhook"
	}
	return Keys{
		Pending: fmt.Sprintf("{%s}:queue:pending", prefix),
		Retry:   fmt.Sprintf("{%s}:queue:retry", prefix),
		DLQ:     fmt.Sprintf("{%s}:queue:dlq", prefix),
		Claim:   fmt.Sprintf("{%s}:claim:", prefix),
	}
}

func (k Keys) claimKey(id string) string {
	return k.Claim + id
}
