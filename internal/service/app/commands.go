package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"e2e_groupchat/internal/model"

	"github.com/rivo/tview"
)

// HandleCommand runs one slash command typed in the chat input.
func (c *App) HandleCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "/add":
		if len(args) == 0 {
			return errors.New("usage: /add <name>...")
		}
		cards, err := c.directory.FindCards(ctx, args)
		if err != nil {
			return err
		}
		if err := c.group.Add(ctx, cards); err != nil {
			return err
		}
		c.printf("[blue]added %s[-]", strings.Join(args, ", "))

	case "/remove":
		if len(args) == 0 {
			return errors.New("usage: /remove <name>...")
		}
		if err := c.group.Remove(ctx, args); err != nil {
			return err
		}
		c.printf("[blue]removed %s, now at epoch %d[-]", strings.Join(args, ", "), c.group.Epoch())

	case "/readd":
		if len(args) != 1 {
			return errors.New("usage: /readd <name>")
		}
		card, err := c.card(ctx, args[0], true)
		if err != nil {
			return err
		}
		if err := c.group.ReAdd(ctx, card); err != nil {
			return err
		}
		c.printf("[blue]shared the group again with %s[-]", args[0])

	case "/update":
		if err := c.group.Update(ctx); err != nil {
			return err
		}
		c.printf("[blue]group at epoch %d[-]", c.group.Epoch())

	case "/members":
		c.printf("[blue]initiator %s, members %s, epoch %d[-]",
			c.group.Initiator(), strings.Join(c.group.Participants(), ", "), c.group.Epoch())

	case "/delete":
		if err := c.manager.Delete(ctx, c.group.SessionID()); err != nil {
			return err
		}
		if err := c.ClearHistory(ctx); err != nil {
			return err
		}
		c.Stop()

	default:
		return fmt.Errorf("unknown command %s", command)
	}
	return nil
}

func (c *App) replayHistory(ctx context.Context) {
	messages, err := c.LoadHistory(ctx)
	if err != nil {
		c.printf("[red]cannot load history:[-] %s", err)
		return
	}

	for _, message := range messages {
		c.replay(ctx, message)
	}
}

func (c *App) replay(ctx context.Context, message *model.Message) {
	plaintext, err := c.decrypt(ctx, message)
	if err != nil {
		c.printf("[gray]%s: <unreadable: %s>[-]", message.From, err)
		return
	}

	who := message.From
	if who == c.user.Name {
		c.printf("[yellow]You:[-] %s", tview.Escape(string(plaintext)))
		return
	}
	c.printf("[green]%s:[-] %s", who, tview.Escape(string(plaintext)))
}
