package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/group"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/repository/localticket"
	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

func (c *App) getUserAndCreateIfNotExist(ctx context.Context, username string) (*model.User, error) {
	user, err := c.userRepo.GetByName(ctx, username)
	if err != nil {
		return nil, err
	}

	if user != nil {
		return user, nil
	}

	_, signingKey, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}

	exchangeKey, _, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	storageKey := make([]byte, localticket.StorageKeySize)
	if _, err := rand.Read(storageKey); err != nil {
		return nil, err
	}

	user = &model.User{
		Name:        username,
		SigningKey:  signingKey,
		ExchangeKey: exchangeKey[:],
		StorageKey:  storageKey,
	}

	_, err = c.userRepo.Create(ctx, user)
	if err != nil {
		return nil, err
	}

	return user, nil
}

// ensureCard publishes the card of the local user unless the directory
// already holds one with the same keys. A card with other keys can only be
// replaced by its own key holder, so that case is reported.
func (c *App) ensureCard(ctx context.Context) error {
	local, err := c.user.Card(time.Now().UTC())
	if err != nil {
		return err
	}

	current, err := c.directory.GetCard(ctx, c.user.Name)
	switch {
	case errors.Is(err, group.ErrCardNotFound):
	case err != nil:
		return err
	case bytes.Equal(current.PublicKey, local.PublicKey) && bytes.Equal(current.ExchangeKey, local.ExchangeKey):
		return nil
	default:
		return fmt.Errorf("directory holds card %s of %s with other keys", current.ID, c.user.Name)
	}

	published, err := c.directory.PublishCard(ctx, local)
	if err != nil {
		return err
	}
	log.Info("card published", zap.String("identity", published.Identity), zap.String("id", published.ID))
	return nil
}
