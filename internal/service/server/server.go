package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_groupchat/internal/model"
	cardRepo "e2e_groupchat/internal/repository/card"
	"e2e_groupchat/internal/service/redis"
	"e2e_groupchat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	CardRepository interface {
		Publish(ctx context.Context, card *model.Card) (*model.Card, error)
		GetByIdentity(ctx context.Context, identity string) (*model.Card, error)
	}

	// peer is one connected client. Writes to a websocket must not run
	// concurrently.
	peer struct {
		conn    *websocket.Conn
		writeMu sync.Mutex
	}

	HttpServer struct {
		mu           sync.RWMutex
		mapper       map[string]*peer
		cardRepo     CardRepository
		redisService *redis.RedisService
	}
)

func NewHttpServer(cardRepo CardRepository, redisSvc *redis.RedisService) *HttpServer {
	return &HttpServer{
		mapper:       make(map[string]*peer),
		cardRepo:     cardRepo,
		redisService: redisSvc,
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/cards", s.PublishCard()).Methods(http.MethodPost)
	r.HandleFunc("/cards/{identity}", s.GetCard()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) Run(address string) error {
	log.Info("relay listening", zap.String("address", address))
	return http.ListenAndServe(address, s.Router())
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, ok := s.mapper[userID]
		s.mu.RUnlock()
		if ok {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		p := &peer{conn: conn}
		s.mu.Lock()
		if _, ok := s.mapper[userID]; ok {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.mapper[userID] = p
		s.mu.Unlock()

		go s.processWSMessage(userID, p)
		err = s.ForwardUnsentMessages(context.Background(), userID, p)
		if err != nil {
			log.Error("forward msg failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) processWSMessage(userID string, p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.String("user", userID), zap.Error(err))
			s.mu.Lock()
			delete(s.mapper, userID)
			s.mu.Unlock()
			p.conn.Close()
			break
		}

		var message model.Message
		err = json.Unmarshal(data, &message)
		if err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}
		if message.From != userID {
			log.Warn("drop message with forged sender", zap.String("user", userID), zap.String("from", message.From))
			continue
		}
		if message.SentAt.IsZero() {
			message.SentAt = time.Now().UTC()
		}

		s.fanOut(context.Background(), &message)
	}
}

// fanOut delivers message to every recipient, queueing it for those that
// are offline.
func (s *HttpServer) fanOut(ctx context.Context, message *model.Message) {
	for _, to := range message.To {
		if to == message.From {
			continue
		}

		s.mu.RLock()
		p, ok := s.mapper[to]
		s.mu.RUnlock()

		if ok {
			err := p.send(message)
			if err == nil {
				continue
			}
			log.Debug("deliver failed, queueing", zap.String("to", to), zap.Error(err))
		}

		if err := s.PutMessagesToCache(ctx, to, []*model.Message{message}); err != nil {
			log.Error("PutMessagesToCache failed", zap.String("to", to), zap.Error(err))
		}
	}
}

func (s *HttpServer) PublishCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var card model.Card
		if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
			http.Error(w, "invalid card", http.StatusBadRequest)
			return
		}

		published, err := s.cardRepo.Publish(r.Context(), &card)
		switch {
		case errors.Is(err, cardRepo.ErrInvalidCard), errors.Is(err, model.ErrCardSignature):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, model.ErrCardRotation):
			log.Warn("card rotation rejected", zap.String("identity", card.Identity))
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		case errors.Is(err, cardRepo.ErrStaleCard):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			log.Error("Publish card failed", zap.String("identity", card.Identity), zap.Error(err))
			http.Error(w, "publish card failed", http.StatusInternalServerError)
			return
		}
		log.Info("card published", zap.String("identity", published.Identity), zap.String("id", published.ID))

		writeJSON(w, http.StatusCreated, published)
	}
}

func (s *HttpServer) GetCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := mux.Vars(r)["identity"]

		card, err := s.cardRepo.GetByIdentity(r.Context(), identity)
		if err != nil {
			log.Error("Get card failed", zap.String("identity", identity), zap.Error(err))
			http.Error(w, "get card failed", http.StatusInternalServerError)
			return
		}

		if card == nil {
			http.Error(w, "card does not exist", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, card)
	}
}

func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, userID string, p *peer) error {
	messages, err := s.GetMessagesFromCache(ctx, userID)
	if err != nil {
		return err
	}

	for i, message := range messages {
		if err := p.send(message); err != nil {
			// requeue what could not be delivered
			return errors.Join(err, s.PutMessagesToCache(ctx, userID, messages[i:]))
		}
	}
	return nil
}

func (p *peer) send(message *model.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
