package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rapidlog/internal/chatterbox"
	"rapidlog/internal/config"
	"rapidlog/internal/config/file"
	"rapidlog/internal/entry"
	"rapidlog/internal/manager"
	"rapidlog/internal/queue"
	"rapidlog/internal/queue/kafka"
	"rapidlog/internal/queue/memory"
	"rapidlog/internal/repository"
)

// serverRole is the memory broker role granted to --queue-user.
const serverRole = "rapidlog-server"

func newServerCmd(a *app) *cobra.Command {
	def := config.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the rapidlog service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serverConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServer(ctx, a.logger, cfg)
		},
	}

	f := cmd.Flags()
	f.String("transport", def.Transport, "queue transport: memory or kafka")
	addKafkaFlags(f)
	f.String("queue-user", "", "transport user for writer sessions (enables memory broker security)")
	f.String("queue-password", "", "transport password for writer sessions")
	f.String("repos-file", "", "repository definition file imported at startup")
	f.Bool("watch", false, "reload repositories when --repos-file changes")
	f.Bool("bootstrap", def.Bootstrap, "create the default repository when none exist")
	f.Bool("demo", false, "feed the default repository with generated log lines")
	f.String("reload-cron", def.ReloadCron, "cron expression for periodic config reloads (empty disables)")
	f.String("retention-cron", def.RetentionCron, "cron expression for the entry retention purge (empty disables)")
	f.Duration("receive-wait", def.ReceiveWait, "maximum wait of each queue receive")
	f.Duration("stop-timeout", def.StopTimeout, "maximum wait for each writer to stop")
	return cmd
}

func addKafkaFlags(f *pflag.FlagSet) {
	f.StringSlice("kafka-brokers", nil, "kafka seed brokers (host:port, repeatable)")
	f.Bool("kafka-tls", false, "connect to kafka over TLS")
	f.String("kafka-sasl-mechanism", "", "kafka SASL mechanism: plain, scram-sha-256, scram-sha-512")
	f.String("kafka-sasl-user", "", "kafka SASL user")
	f.String("kafka-sasl-password", "", "kafka SASL password")
	f.Int("kafka-partitions", 1, "partitions of topics created by rapidlog")
}

// serverConfigFromFlags is the one place flags become a ServerConfig.
func serverConfigFromFlags(cmd *cobra.Command) (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	f := cmd.Flags()
	cfg.Home, _ = f.GetString("home")
	cfg.StoreType, _ = f.GetString("store-type")
	cfg.Transport, _ = f.GetString("transport")
	readKafkaFlags(f, &cfg)
	cfg.QueueUser, _ = f.GetString("queue-user")
	cfg.QueuePassword, _ = f.GetString("queue-password")
	cfg.ReposFile, _ = f.GetString("repos-file")
	cfg.Watch, _ = f.GetBool("watch")
	cfg.Bootstrap, _ = f.GetBool("bootstrap")
	cfg.Demo, _ = f.GetBool("demo")
	cfg.ReloadCron, _ = f.GetString("reload-cron")
	cfg.RetentionCron, _ = f.GetString("retention-cron")
	cfg.ReceiveWait, _ = f.GetDuration("receive-wait")
	cfg.StopTimeout, _ = f.GetDuration("stop-timeout")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readKafkaFlags(f *pflag.FlagSet, cfg *config.ServerConfig) {
	cfg.KafkaBrokers, _ = f.GetStringSlice("kafka-brokers")
	cfg.KafkaTLS, _ = f.GetBool("kafka-tls")
	cfg.KafkaSASLMechanism, _ = f.GetString("kafka-sasl-mechanism")
	cfg.KafkaSASLUser, _ = f.GetString("kafka-sasl-user")
	cfg.KafkaSASLPassword, _ = f.GetString("kafka-sasl-password")
	cfg.KafkaPartitions, _ = f.GetInt("kafka-partitions")
}

// newTransport builds the queue transport and the credentials and role
// writer sessions use.
func newTransport(cfg config.ServerConfig, logger *slog.Logger) (queue.Transport, queue.Credentials, string, error) {
	creds := queue.Credentials{User: cfg.QueueUser, Password: cfg.QueuePassword}
	switch cfg.Transport {
	case "kafka":
		kc, err := kafka.ParseParams(cfg.KafkaParams())
		if err != nil {
			return nil, creds, "", err
		}
		kc.Logger = logger
		t, err := kafka.New(kc)
		if err != nil {
			return nil, creds, "", err
		}
		return t, creds, "", nil
	default:
		mc := memory.Config{Logger: logger}
		role := ""
		if cfg.QueueUser != "" {
			hash, err := memory.HashPassword(cfg.QueuePassword)
			if err != nil {
				return nil, creds, "", err
			}
			mc.Users = map[string]memory.User{
				cfg.QueueUser: {PasswordHash: hash, Roles: []string{serverRole}},
			}
			role = serverRole
		}
		return memory.New(mc), creds, role, nil
	}
}

func runServer(ctx context.Context, logger *slog.Logger, cfg config.ServerConfig) error {
	hd, err := homeDir(cfg.Home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	docs, err := openStore(hd, cfg.StoreType)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = docs.Close() }()
	if cfg.StoreType != "memory" {
		logger.Info("home directory", "path", hd.Root(), "store", cfg.StoreType)
	}

	configs := config.NewStore(docs)
	if cfg.ReposFile != "" {
		res, err := file.Sync(ctx, cfg.ReposFile, configs)
		if err != nil {
			return fmt.Errorf("import %s: %w", cfg.ReposFile, err)
		}
		logger.Info("imported repository file", "path", cfg.ReposFile,
			"created", len(res.Created), "updated", len(res.Updated), "unchanged", len(res.Unchanged))
	}
	if cfg.Bootstrap {
		created, err := config.Bootstrap(ctx, configs)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if created {
			logger.Info("no repositories found, created the default repository")
		}
	}

	transport, creds, role, err := newTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("queue transport: %w", err)
	}
	defer func() { _ = transport.Close() }()

	mgr, err := manager.New(manager.Config{
		Configs: configs,
		Deps: repository.Deps{
			Transport:   transport,
			Entries:     entry.NewStore(docs),
			Credentials: creds,
			ServerRole:  role,
			Logger:      logger,
			ReceiveWait: cfg.ReceiveWait,
			StopTimeout: cfg.StopTimeout,
		},
		Logger:        logger,
		ReloadCron:    cfg.ReloadCron,
		RetentionCron: cfg.RetentionCron,
	})
	if err != nil {
		return err
	}

	logger.Info("starting manager", "transport", cfg.Transport)
	if err := mgr.Start(ctx); err != nil {
		// Repositories that started keep running.
		logger.Error("some repositories failed to start", "error", err)
	}

	var wg sync.WaitGroup
	if cfg.Watch {
		wg.Go(func() {
			err := file.Watch(ctx, cfg.ReposFile, logger, func() {
				reloadFromFile(ctx, logger, cfg.ReposFile, configs, mgr)
			})
			if err != nil {
				logger.Error("repository file watch failed", "error", err)
			}
		})
	}
	if cfg.Demo {
		wg.Go(func() {
			if err := runDemo(ctx, logger, transport, creds); err != nil {
				logger.Error("demo traffic stopped", "error", err)
			}
		})
	}

	<-ctx.Done()
	wg.Wait()

	logger.Info("shutting down manager")
	if err := mgr.Stop(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func reloadFromFile(ctx context.Context, logger *slog.Logger, path string, configs *config.Store, mgr *manager.Manager) {
	res, err := file.Sync(ctx, path, configs)
	if err != nil {
		logger.Error("import repository file", "path", path, "error", err)
	}
	if !res.Changed() {
		return
	}
	logger.Info("repository file changed", "created", res.Created, "updated", res.Updated)
	if err := mgr.Reload(ctx); err != nil {
		logger.Error("reload after file change", "error", err)
	}
}

// runDemo publishes generated lines to the default repository.
func runDemo(ctx context.Context, logger *slog.Logger, transport queue.Transport, creds queue.Credentials) error {
	gen, err := chatterbox.New(chatterbox.Config{}, logger)
	if err != nil {
		return err
	}
	sess, err := transport.CreateSession(ctx, creds, false)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	producer, err := sess.CreateProducer(config.WriteAddress(config.DefaultRepository().Name))
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()
	return gen.Run(ctx, func(ctx context.Context, l chatterbox.Line) error {
		return producer.Send(ctx, l.Message())
	})
}
