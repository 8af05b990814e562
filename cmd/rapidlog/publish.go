package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rapidlog/internal/config"
	"rapidlog/internal/queue"
	"rapidlog/internal/queue/kafka"
)

func newPublishCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Publish log lines to a repository write queue",
		Long:  "Reads lines from a file, or stdin when no file is given, and publishes each non-empty line to the repository write address over Kafka.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repo")
			var cfg config.ServerConfig
			cfg.Transport = "kafka"
			readKafkaFlags(cmd.Flags(), &cfg)
			kc, err := kafka.ParseParams(cfg.KafkaParams())
			if err != nil {
				return err
			}
			kc.Logger = a.logger
			t, err := kafka.New(kc)
			if err != nil {
				return err
			}
			defer func() { _ = t.Close() }()

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			props := map[string]string{}
			for _, name := range []string{queue.PropSource, queue.PropHost, queue.PropSeverity} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					props[name] = v
				}
			}
			n, err := publish(cmd.Context(), t, config.WriteAddress(repo), props, in)
			newPrinter(cmd).printf("published %d lines to %s\n", n, repo)
			return err
		},
	}
	f := cmd.Flags()
	f.String("repo", config.DefaultRepository().Name, "repository name")
	f.String("source", "", "source property of every message")
	f.String("host", "", "host property of every message")
	f.String("severity", "", "severity property of every message")
	addKafkaFlags(f)
	return cmd
}

// publish sends each non-empty line of r as one message.
func publish(ctx context.Context, t queue.Transport, address string, props map[string]string, r io.Reader) (int, error) {
	sess, err := t.CreateSession(ctx, queue.Credentials{}, false)
	if err != nil {
		return 0, err
	}
	defer func() { _ = sess.Close() }()
	p, err := sess.CreateProducer(address)
	if err != nil {
		return 0, err
	}
	defer func() { _ = p.Close() }()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := &queue.Message{
			Body:       append([]byte(nil), line...),
			Properties: props,
			Timestamp:  time.Now(),
		}
		if err := p.Send(ctx, msg); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		n++
	}
	return n, sc.Err()
}
