package app

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_groupchat/internal/model"
)

// History keeps the relay envelopes of a group as received, so the chat can
// be decrypted again on the next start.
func (c *App) historyKey() string {
	return fmt.Sprintf("history:%s:%s", c.user.Name, c.groupID)
}

func (c *App) SaveMessage(ctx context.Context, message *model.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.redisService.RPush(ctx, c.historyKey(), data)
}

func (c *App) LoadHistory(ctx context.Context) ([]*model.Message, error) {
	vals, err := c.redisService.LRange(ctx, c.historyKey())
	if err != nil {
		return nil, err
	}

	var res []*model.Message
	for _, v := range vals {
		var m model.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		res = append(res, &m)
	}
	return res, nil
}

func (c *App) ClearHistory(ctx context.Context) error {
	return c.redisService.Del(ctx, c.historyKey())
}
