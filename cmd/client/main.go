package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/service/app"
	redisSvc "e2e_groupchat/internal/service/redis"
	"e2e_groupchat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func newRootCommand() *cobra.Command {
	var (
		configFile string
		opts       app.Options
	)

	cmd := &cobra.Command{
		Use:   "client <username> <group>",
		Short: "End-to-end encrypted group chat client",
		Example: `  # Create a group with bob and carol
  client alice team-meeting-2024 --members bob,carol

  # Join the group alice created
  client bob team-meeting-2024 --initiator alice`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name, opts.Identifier = args[0], args[1]
			return runClient(cmd.Context(), configFile, opts)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "groupchat.toml",
		"path to the configuration file (TOML format)")
	cmd.Flags().StringVarP(&opts.Initiator, "initiator", "i", "",
		"user who created the group; empty to create it")
	cmd.Flags().StringSliceVarP(&opts.Members, "members", "m", nil,
		"members of a group this user creates")

	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runClient(ctx context.Context, configFile string, opts app.Options) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = fmt.Sprintf("client-%s.log", opts.Name)
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development, logFile); err != nil {
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

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chat := app.NewApp(cfg, db, redisSvc.NewRedis(rdb))
	go func() {
		<-ctx.Done()
		chat.Stop()
	}()

	return chat.Run(ctx, opts)
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
