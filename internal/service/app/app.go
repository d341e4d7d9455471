package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/group"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/repository/cloudticket"
	"e2e_groupchat/internal/repository/localticket"
	userRepo "e2e_groupchat/internal/repository/user"
	"e2e_groupchat/internal/service/directory"
	"e2e_groupchat/internal/service/redis"
	"e2e_groupchat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		cfg          *config.Config
		db           *mongo.Database
		redisService *redis.RedisService
		userRepo     *userRepo.UserRepo
		directory    *directory.Client

		user    *model.User
		manager *group.Manager
		group   *group.Group
		groupID string

		cardsMu sync.Mutex
		cards   map[string]*model.Card

		writeMu sync.Mutex
		conn    *websocket.Conn
	}

	// Options selects the group a client session joins.
	Options struct {
		Name       string
		Identifier string
		// Initiator names the user that created the group. Empty or Name
		// means this user creates it with Members.
		Initiator string
		Members   []string
	}
)

func NewApp(cfg *config.Config, db *mongo.Database, redis *redis.RedisService) *App {
	return &App{
		app:          tview.NewApplication(),
		cfg:          cfg,
		db:           db,
		redisService: redis,
		userRepo:     userRepo.NewUserRepo(db),
		directory:    directory.NewClient(cfg.Server.Address, nil),
		cards:        make(map[string]*model.Card),
	}
}

func (c *App) Run(ctx context.Context, opts Options) error {
	user, err := c.getUserAndCreateIfNotExist(ctx, opts.Name)
	if err != nil {
		return fmt.Errorf("get user info failed: %w", err)
	}
	c.user = user

	if err := c.ensureCard(ctx); err != nil {
		return fmt.Errorf("publish card failed: %w", err)
	}

	if err := c.initManager(ctx); err != nil {
		return err
	}

	g, err := c.openGroup(ctx, opts)
	if err != nil {
		return fmt.Errorf("open group %q failed: %w", opts.Identifier, err)
	}
	c.group = g
	c.groupID = hex.EncodeToString(g.SessionID())

	c.conn, err = c.connectRelay(ctx)
	if err != nil {
		return fmt.Errorf("connect to relay failed: %w", err)
	}

	c.buildUI(opts.Identifier)
	go c.replayHistory(ctx)
	go c.listenOnWebhook(ctx)
	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.app.Stop()
}

func (c *App) initManager(ctx context.Context) error {
	local, err := localticket.NewStore(c.redisService, c.user.Name, c.user.StorageKey, c.cfg.Group.TicketWindow)
	if err != nil {
		return err
	}

	cloud, err := cloudticket.NewTicketRepo(c.db, c.user)
	if err != nil {
		return err
	}
	if err := cloud.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure ticket indexes: %w", err)
	}

	c.manager, err = group.NewManager(c.user, local, cloud, c.directory, c.cfg.Group)
	return err
}

// openGroup returns the group named by opts, creating or fetching it when
// this device does not hold it yet.
func (c *App) openGroup(ctx context.Context, opts Options) (*group.Group, error) {
	identifier := []byte(opts.Identifier)

	g, err := c.manager.GetGroup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if g != nil {
		if err := g.Update(ctx); err != nil {
			return nil, err
		}
		return g, nil
	}

	if opts.Initiator == "" || opts.Initiator == c.user.Name {
		cards, err := c.directory.FindCards(ctx, opts.Members)
		if err != nil {
			return nil, err
		}
		return c.manager.CreateGroup(ctx, identifier, cards)
	}

	initiatorCard, err := c.card(ctx, opts.Initiator, false)
	if err != nil {
		return nil, err
	}
	return c.manager.LoadGroup(ctx, identifier, initiatorCard)
}

func (c *App) buildUI(identifier string) {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Group %s ", identifier))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /add /remove /readd /update /members /delete ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(text string) {
			ctx := context.Background()
			var err error
			if strings.HasPrefix(text, "/") {
				err = c.HandleCommand(ctx, text)
			} else {
				err = c.SendMessage(ctx, text)
			}
			if err != nil {
				log.Error("handle input failed", zap.String("input", text), zap.Error(err))
				c.printf("[red]error:[-] %s", tview.Escape(err.Error()))
			}
		}(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) printf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) listenOnWebhook(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			c.conn.Close()
			break
		}

		var message model.Message
		err = json.Unmarshal(data, &message)
		if err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}

		if err := c.ReceiveMessage(ctx, &message); err != nil {
			log.Error("receive message failed", zap.String("from", message.From), zap.Error(err))
			c.printf("[red]cannot read message from %s:[-] %s", message.From, tview.Escape(err.Error()))
		}
	}
}

func (c *App) SendMessage(ctx context.Context, msg string) error {
	ciphertext, err := c.group.Encrypt([]byte(msg))
	if err != nil {
		return err
	}

	message := &model.Message{
		From:       c.user.Name,
		To:         c.group.Participants(),
		GroupID:    c.groupID,
		Ciphertext: ciphertext,
		SentAt:     time.Now().UTC(),
	}
	if err := c.send(message); err != nil {
		return err
	}
	if err := c.SaveMessage(ctx, message); err != nil {
		log.Warn("save message failed", zap.Error(err))
	}

	c.printf("[yellow]You:[-] %s", tview.Escape(msg))
	return nil
}

func (c *App) ReceiveMessage(ctx context.Context, message *model.Message) error {
	if message.GroupID != c.groupID {
		log.Debug("ignore message of another group", zap.String("group", message.GroupID))
		return nil
	}

	plaintext, err := c.decrypt(ctx, message)
	if err != nil {
		return err
	}
	if err := c.SaveMessage(ctx, message); err != nil {
		log.Warn("save message failed", zap.Error(err))
	}

	c.printf("[green]%s:[-] %s", message.From, tview.Escape(string(plaintext)))
	return nil
}

// decrypt opens message, syncing the group once if it is behind and
// refreshing the sender's card once if it no longer verifies.
func (c *App) decrypt(ctx context.Context, message *model.Message) ([]byte, error) {
	card, err := c.card(ctx, message.From, false)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.group.Decrypt(ctx, message.Ciphertext, card, message.SentAt)
	switch {
	case errors.Is(err, group.ErrGroupOutdated):
		if err := c.group.Update(ctx); err != nil {
			return nil, err
		}
		c.printf("[blue]group updated to epoch %d[-]", c.group.Epoch())
		return c.group.Decrypt(ctx, message.Ciphertext, card, message.SentAt)
	case errors.Is(err, group.ErrVerificationFailed):
		card, err := c.card(ctx, message.From, true)
		if err != nil {
			return nil, err
		}
		return c.group.Decrypt(ctx, message.Ciphertext, card, message.SentAt)
	}
	return plaintext, err
}

// card returns the directory card of identity, cached unless refresh.
func (c *App) card(ctx context.Context, identity string, refresh bool) (*model.Card, error) {
	c.cardsMu.Lock()
	card, ok := c.cards[identity]
	c.cardsMu.Unlock()
	if ok && !refresh {
		return card, nil
	}

	card, err := c.directory.GetCard(ctx, identity)
	if err != nil {
		return nil, err
	}

	c.cardsMu.Lock()
	c.cards[identity] = card
	c.cardsMu.Unlock()
	return card, nil
}
