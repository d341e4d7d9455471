package app

import (
	"context"
	"net/url"

	"e2e_groupchat/internal/model"

	"github.com/gorilla/websocket"
)

// connectRelay opens the relay websocket of the local user.
func (c *App) connectRelay(ctx context.Context) (*websocket.Conn, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     c.cfg.Server.Address,
		Path:     "/init",
		RawQuery: url.Values{"userID": {c.user.Name}}.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// send writes message to the relay. gorilla/websocket allows one writer at
// a time and every input line is handled on its own goroutine.
func (c *App) send(message *model.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(message)
}
