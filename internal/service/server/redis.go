package server

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_groupchat/internal/model"
)

func inboxKey(to string) string {
	return fmt.Sprintf("inbox:%s", to)
}

// GetMessagesFromCache drains the offline queue of to.
func (s *HttpServer) GetMessagesFromCache(ctx context.Context, to string) ([]*model.Message, error) {
	vals, err := s.redisService.LPopAll(ctx, inboxKey(to))
	if err != nil {
		return nil, err
	}

	var res []*model.Message
	for _, v := range vals {
		var m model.Message
		err := json.Unmarshal([]byte(v), &m)
		if err != nil {
			return nil, err
		}

		res = append(res, &m)
	}

	return res, nil
}

func (s *HttpServer) PutMessagesToCache(ctx context.Context, to string, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	vals := make([]any, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}

	return s.redisService.RPush(ctx, inboxKey(to), vals...)
}
