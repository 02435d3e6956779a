package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appotry/discourse/messagebus"
	"github.com/appotry/discourse/presence"
	"github.com/appotry/discourse/server"
)

var log *logrus.Logger

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the presence server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "127.0.0.1:8080", "Bind the HTTP server to host:port")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().String("redis", "127.0.0.1:6379", "Redis address for presence storage")
	viper.BindPFlag("redis.addr", startCmd.Flags().Lookup("redis"))
	startCmd.Flags().String("bus", "redis", "Diff bus backend: redis, nats or memory")
	viper.BindPFlag("bus.backend", startCmd.Flags().Lookup("bus"))

	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("bus.natsUrl", nats.DefaultURL)
	viper.SetDefault("bus.backlogSize", 1000)
	viper.SetDefault("sweep.intervalSeconds", 60)
	viper.SetDefault("auth.userIdHeader", "X-User-Id")
	viper.SetDefault("log.level", "info")
}

func runServer(cmd *cobra.Command, args []string) error {
	log = logrus.New()
	log.Out = os.Stderr

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	log.Level = level

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "cannot reach Redis")
	}

	bus, err := newBus(ctx, redisClient)
	if err != nil {
		return err
	}
	defer bus.Close()

	registry := presence.NewRegistry(presence.Options{
		Redis:  redisClient,
		Bus:    bus,
		Logger: log,
	})

	sweepInterval := time.Duration(viper.GetInt("sweep.intervalSeconds")) * time.Second

	go registry.RunSweeper(ctx, sweepInterval)

	srv := server.New(server.Options{
		Registry:    registry,
		Bus:         bus,
		CurrentUser: server.HeaderAuth(viper.GetString("auth.userIdHeader")),
		Logger:      log,
	})

	log.Info("Starting presenced")

	if err := srv.ListenAndServe(ctx, viper.GetString("server.bind")); err != nil {
		return err
	}
	log.Info("presenced stopped")

	return nil
}

func newBus(ctx context.Context, redisClient *redis.Client) (messagebus.Bus, error) {
	backlogSize := viper.GetInt("bus.backlogSize")

	switch backend := viper.GetString("bus.backend"); backend {
	case "redis":
		bus, err := messagebus.NewRedisBus(ctx, redisClient, backlogSize)

		return bus, errors.Wrap(err, "cannot start the Redis bus")
	case "nats":
		nc, err := nats.Connect(viper.GetString("bus.natsUrl"))
		if err != nil {
			return nil, errors.Wrap(err, "cannot reach NATS")
		}
		bus, err := messagebus.NewJetStreamBus(nc, backlogSize)

		return bus, errors.Wrap(err, "cannot start the JetStream bus")
	case "memory":
		return messagebus.NewMemoryBus(ctx, backlogSize), nil
	default:
		return nil, errors.Errorf("unknown bus backend %q", backend)
	}
}
