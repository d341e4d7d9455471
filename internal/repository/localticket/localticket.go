package localticket

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"e2e_groupchat/internal/cryptographic/encryption"
	redisSvc "e2e_groupchat/internal/service/redis"
	"e2e_groupchat/internal/ticket"
	"e2e_groupchat/internal/utils/codec"

	"github.com/redis/go-redis/v9"
)

const StorageKeySize = 32

type (
	// Store keeps the tickets of this device's groups in redis, encrypted
	// with the user's storage key. At most window epochs are kept per
	// session; older ones are pruned on write.
	Store struct {
		redisService *redisSvc.RedisService
		owner        string
		key          []byte
		window       int
	}
)

func NewStore(redisService *redisSvc.RedisService, owner string, storageKey []byte, window int) (*Store, error) {
	if len(storageKey) != StorageKeySize {
		return nil, fmt.Errorf("local ticket store: storage key must be %d bytes", StorageKeySize)
	}
	if window <= 0 {
		return nil, errors.New("local ticket store: window must be positive")
	}

	return &Store{
		redisService: redisService,
		owner:        owner,
		key:          storageKey,
		window:       window,
	}, nil
}

func (s *Store) infoKey(sessionID []byte) string {
	return fmt.Sprintf("groups:%s:%s:info", s.owner, hex.EncodeToString(sessionID))
}

func (s *Store) ticketsKey(sessionID []byte) string {
	return fmt.Sprintf("groups:%s:%s:tickets", s.owner, hex.EncodeToString(sessionID))
}

func (s *Store) Store(ctx context.Context, group *ticket.RawGroup) error {
	if len(group.Tickets) == 0 {
		return errors.New("local ticket store: group has no tickets")
	}
	sessionID := group.Tickets[0].SessionID()

	info, err := codec.Marshal(&group.Info)
	if err != nil {
		return err
	}
	sealedInfo, err := encryption.AEADEncrypt(s.key, info, infoAAD(sessionID))
	if err != nil {
		return err
	}

	fields := make([]any, 0, 2*len(group.Tickets))
	for _, t := range group.Tickets {
		if !bytes.Equal(t.SessionID(), sessionID) {
			return fmt.Errorf("local ticket store: epoch %d belongs to another session", t.Epoch)
		}

		data, err := t.Serialize()
		if err != nil {
			return err
		}
		sealed, err := encryption.AEADEncrypt(s.key, data, ticketAAD(sessionID, t.Epoch))
		if err != nil {
			return err
		}
		fields = append(fields, strconv.FormatUint(uint64(t.Epoch), 10), sealed)
	}

	if err := s.redisService.Set(ctx, s.infoKey(sessionID), sealedInfo, 0); err != nil {
		return err
	}
	if err := s.redisService.HSet(ctx, s.ticketsKey(sessionID), fields...); err != nil {
		return err
	}
	return s.prune(ctx, sessionID)
}

func (s *Store) prune(ctx context.Context, sessionID []byte) error {
	epochs, err := s.GetEpochs(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(epochs) <= s.window {
		return nil
	}

	stale := make([]string, 0, len(epochs)-s.window)
	for _, e := range epochs[:len(epochs)-s.window] {
		stale = append(stale, strconv.FormatUint(uint64(e), 10))
	}
	return s.redisService.HDel(ctx, s.ticketsKey(sessionID), stale...)
}

func (s *Store) Retrieve(ctx context.Context, sessionID []byte, count int) (*ticket.RawGroup, error) {
	info, err := s.info(ctx, sessionID)
	if err != nil || info == nil {
		return nil, err
	}

	epochs, err := s.GetEpochs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, nil
	}
	if count > 0 && len(epochs) > count {
		epochs = epochs[len(epochs)-count:]
	}

	fields := make([]string, len(epochs))
	for i, e := range epochs {
		fields[i] = strconv.FormatUint(uint64(e), 10)
	}
	vals, err := s.redisService.HMGet(ctx, s.ticketsKey(sessionID), fields...)
	if err != nil {
		return nil, err
	}

	group := &ticket.RawGroup{Info: *info}
	for i, v := range vals {
		sealed, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("local ticket store: epoch %d vanished during read", epochs[i])
		}
		t, err := s.open(sessionID, epochs[i], sealed)
		if err != nil {
			return nil, err
		}
		group.Tickets = append(group.Tickets, t)
	}
	return group, nil
}

func (s *Store) RetrieveEpoch(ctx context.Context, sessionID []byte, epoch uint32) (*ticket.RawGroup, error) {
	info, err := s.info(ctx, sessionID)
	if err != nil || info == nil {
		return nil, err
	}

	sealed, err := s.redisService.HGet(ctx, s.ticketsKey(sessionID), strconv.FormatUint(uint64(epoch), 10))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t, err := s.open(sessionID, epoch, sealed)
	if err != nil {
		return nil, err
	}
	return &ticket.RawGroup{Info: *info, Tickets: []*ticket.Ticket{t}}, nil
}

// GetEpochs returns the locally held epochs in ascending order.
func (s *Store) GetEpochs(ctx context.Context, sessionID []byte) ([]uint32, error) {
	keys, err := s.redisService.HKeys(ctx, s.ticketsKey(sessionID))
	if err != nil {
		return nil, err
	}

	epochs := make([]uint32, 0, len(keys))
	for _, k := range keys {
		e, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("local ticket store: bad epoch field %q: %w", k, err)
		}
		epochs = append(epochs, uint32(e))
	}
	slices.Sort(epochs)
	return epochs, nil
}

func (s *Store) Delete(ctx context.Context, sessionID []byte) error {
	return s.redisService.Del(ctx, s.infoKey(sessionID), s.ticketsKey(sessionID))
}

func (s *Store) info(ctx context.Context, sessionID []byte) (*ticket.GroupInfo, error) {
	v, err := s.redisService.Get(ctx, s.infoKey(sessionID))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := encryption.AEADDecrypt(s.key, []byte(v), infoAAD(sessionID))
	if err != nil {
		return nil, fmt.Errorf("local ticket store: open group info: %w", err)
	}

	var info ticket.GroupInfo
	if err := codec.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("local ticket store: decode group info: %w", err)
	}
	return &info, nil
}

func (s *Store) open(sessionID []byte, epoch uint32, sealed string) (*ticket.Ticket, error) {
	data, err := encryption.AEADDecrypt(s.key, []byte(sealed), ticketAAD(sessionID, epoch))
	if err != nil {
		return nil, fmt.Errorf("local ticket store: open epoch %d: %w", epoch, err)
	}
	return ticket.Deserialize(data)
}

func infoAAD(sessionID []byte) []byte {
	return append(bytes.Clone(sessionID), "info"...)
}

func ticketAAD(sessionID []byte, epoch uint32) []byte {
	return binary.BigEndian.AppendUint32(bytes.Clone(sessionID), epoch)
}
