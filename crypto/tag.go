package crypto

import (
	"github.com/zeebo/blake3"
)

const tagDomain = "slick-nse session info v1"

// ContextTag binds a session to its application context and conversation.
func ContextTag(appContext string, conversationID []byte) []byte {
	h := blake3.NewDeriveKey(tagDomain)
	_, _ = h.Write([]byte(appContext))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(conversationID)
	return h.Sum(nil)
}
