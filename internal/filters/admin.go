package filters

import (
	"context"
	"fmt"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/event"
)

type conversationMembers struct {
	Items []struct {
		MemberID int64 `json:"member_id"`
		IsAdmin  bool  `json:"is_admin"`
		IsOwner  bool  `json:"is_owner"`
	} `json:"items"`
}

// IsAdmin совпадает, если автор сообщения — админ или владелец беседы.
// Русский комментарий: Делает вызов messages.getConversationMembers через API события,
// поэтому ставьте его последним в записи.
func IsAdmin() Filter {
	return Func(func(ctx context.Context, ev *event.Event) (bool, error) {
		if ev.ConversationType() != event.ConversationChat {
			return false, nil
		}
		c := ev.API()
		if c == nil {
			return false, ErrNoAPI
		}
		var members conversationMembers
		if err := c.CallInto(ctx, "messages.getConversationMembers", api.Params{"peer_id": ev.PeerID()}, &members); err != nil {
			return false, fmt.Errorf("check admin: %w", err)
		}
		from := ev.FromID()
		for _, m := range members.Items {
			if m.MemberID == from {
				return m.IsAdmin || m.IsOwner, nil
			}
		}
		return false, nil
	})
}
