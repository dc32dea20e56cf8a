package channel

import (
	"context"
	"strings"
)

// Messenger delivers a text notification to one user.
type Messenger interface {
	Deliver(ctx context.Context, userID, text string) error
}

// AllowList restricts which users may talk to the bot. An empty list allows everyone.
type AllowList map[string]bool

// NewAllowList builds an AllowList from configured ids; "@" prefixes are ignored.
func NewAllowList(ids []string) AllowList {
	out := make(AllowList, len(ids))
	for _, id := range ids {
		id = strings.TrimPrefix(strings.TrimSpace(id), "@")
		if id != "" {
			out[id] = true
		}
	}
	return out
}

// IsAllowed checks if sender is permitted. Compound "id|name" senders match on either part.
func (a AllowList) IsAllowed(senderID string) bool {
	if len(a) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}
	return a[senderID] || a[idPart] || (userPart != "" && a[userPart])
}
