package kiro

import (
	"crypto/md5"
	cryptoRand "crypto/rand"
	"fmt"
	"sync"
	"time"
)

// ConversationIDManager derives stable CodeWhisperer conversation/agent ids
// from a caller-supplied seed (the inbound request id), so retries of the
// same logical call keep talking to the same upstream conversation.
type ConversationIDManager struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewConversationIDManager creates a new conversation id manager.
func NewConversationIDManager() *ConversationIDManager {
	return &ConversationIDManager{cache: make(map[string]string)}
}

// GenerateConversationID derives a conversation id from seed, stable within
// an hour-long time window so retries within that window reuse it.
func (c *ConversationIDManager) GenerateConversationID(seed string) string {
	if seed == "" {
		return generateUUID()
	}

	timeWindow := time.Now().Format("2006010215")
	signature := fmt.Sprintf("%s|%s", seed, timeWindow)

	c.mu.RLock()
	if cached, ok := c.cache[signature]; ok {
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	hash := md5.Sum([]byte(signature))
	conversationID := fmt.Sprintf("conv-%x", hash[:8])

	c.mu.Lock()
	c.cache[signature] = conversationID
	c.mu.Unlock()

	return conversationID
}

// GenerateAgentContinuationID derives a deterministic GUID from seed.
func (c *ConversationIDManager) GenerateAgentContinuationID(seed string) string {
	if seed == "" {
		return generateUUID()
	}
	timeWindow := time.Now().Format("2006010215")
	return generateDeterministicGUID(fmt.Sprintf("agent|%s|%s", seed, timeWindow), "agent")
}

// generateDeterministicGUID builds a namespaced, UUIDv5-shaped id from input.
func generateDeterministicGUID(input, namespace string) string {
	namespacedInput := fmt.Sprintf("%s|%s", namespace, input)
	hash := md5.Sum([]byte(namespacedInput))
	hash[6] = (hash[6] & 0x0f) | 0x50 // version 5
	hash[8] = (hash[8] & 0x3f) | 0x80 // variant bits
	return fmt.Sprintf("%x-%x-%x-%x-%x", hash[0:4], hash[4:6], hash[6:8], hash[8:10], hash[10:16])
}

// generateUUID generates a UUID v4.
func generateUUID() string {
	b := make([]byte, 16)
	_, _ = cryptoRand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant bits
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// InvalidateOldSessions clears the cached conversation ids.
func (c *ConversationIDManager) InvalidateOldSessions() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}

var globalConversationIDManager = NewConversationIDManager()

// GenerateStableConversationID returns the global manager's conversation id for seed.
func GenerateStableConversationID(seed string) string {
	return globalConversationIDManager.GenerateConversationID(seed)
}

// GenerateStableAgentContinuationID returns the global manager's agent id for seed.
func GenerateStableAgentContinuationID(seed string) string {
	return globalConversationIDManager.GenerateAgentContinuationID(seed)
}
