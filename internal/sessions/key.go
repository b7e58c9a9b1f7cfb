// Package sessions — agent session key builder and parser.
//
// Session keys follow the canonical OpenClaw format:
//
//	agent:{agentId}:{channel}:direct:{peerId}
//
// Website-chat conversations are always direct (a visitor talking to a site),
// and keys carry the account ID when one gateway serves several websites:
//
//	agent:default:crisp:direct:session_9aa93345
//	agent:support:crisp:main:direct:session_9aa93345
package sessions

import (
	"fmt"
	"strings"
)

// Route is the resolved routing decision for one conversation peer.
type Route struct {
	SessionKey string
	AccountID  string
	AgentID    string
}

// BuildSessionKey builds the canonical agent session key for a channel conversation.
func BuildSessionKey(agentID, channel, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, channel, peerID)
}

// BuildAccountSessionKey builds a session key scoped to a specific account,
// used when multiple website accounts route to the same agent.
func BuildAccountSessionKey(agentID, channel, accountID, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, accountID, peerID)
}

// Resolve maps a conversation peer to its agent session route.
// accountID scopes the key only when several accounts are registered.
func Resolve(agentID, channel, accountID, peerID string, multiAccount bool) Route {
	if agentID == "" {
		agentID = "default"
	}
	key := BuildSessionKey(agentID, channel, peerID)
	if multiAccount && accountID != "" {
		key = BuildAccountSessionKey(agentID, channel, accountID, peerID)
	}
	return Route{SessionKey: key, AccountID: accountID, AgentID: agentID}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}
