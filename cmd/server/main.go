package main

import (
	"context"
	"fmt"
	"os"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/repository/card"
	redisSvc "e2e_groupchat/internal/service/redis"
	"e2e_groupchat/internal/service/server"
	"e2e_groupchat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Group chat relay and card directory",
		Long: `The server relays encrypted group messages between connected clients,
queueing them in redis for clients that are offline, and serves the card
directory clients use to find each other's public keys.`,
		Example: `  # Start with the defaults (localhost mongo, redis and :9090)
  server

  # Start with a configuration file
  server -f /etc/groupchat/server.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "groupchat.toml",
		"path to the configuration file (TOML format)")

	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runServer(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	mongoDBClient, err := initMongo(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	cardRepo := card.NewCardRepo(db)
	s := server.NewHttpServer(cardRepo, redisSvc.NewRedis(rdb))
	if err := s.Run(cfg.Server.Address); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func initMongo(ctx context.Context, cfg *config.Mongo) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
