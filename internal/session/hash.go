package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/memohai/clibridge/internal/conversation"
)

// HistoryHash is the sha256 of the canonical JSON of messages. It is order
// sensitive and changes with any role, content or tool call difference.
func HistoryHash(messages []conversation.Message) (string, error) {
	data, err := conversation.CanonicalJSON(messages)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
