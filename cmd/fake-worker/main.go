// ABOUTME: Minimal fake worker for E2E testing. Registers an echo agent type,
// ABOUTME: answers RPCs by echoing the payload, and logs received events.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/meshgate/mesh-gateway/internal/client"
	"github.com/meshgate/mesh-gateway/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gateway gRPC address")
	agentType := flag.String("type", "echo", "agent type to register")
	topics := flag.String("topics", "", "comma-separated topics to subscribe (suffix * for prefix)")
	source := flag.String("source", "fake-worker", "source stamped on published events")
	publish := flag.String("publish", "", "optional event to publish as topic:text")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*addr, *agentType, *topics, *source, *publish, logger); err != nil {
		logger.Error("fake worker failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, agentType, topics, source, publish string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := client.Dial(ctx, addr, client.Options{
		Logger: logger,
		OnRequest: func(_ context.Context, req *wire.Request) *wire.Response {
			logger.Info("echoing request",
				"request_id", req.RequestId,
				"target", req.Target.String(),
				"method", req.Method,
			)
			return &wire.Response{Payload: req.Payload}
		},
		OnEvent: func(_ context.Context, ev *wire.CloudEvent) {
			text := ""
			if ev.TextData != nil {
				text = *ev.TextData
			}
			logger.Info("received event",
				"event_id", ev.Id,
				"event_type", ev.Type,
				"source", ev.Source,
				"text", text,
			)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.RegisterAgentType(ctx, agentType); err != nil {
		return fmt.Errorf("registering type: %w", err)
	}
	logger.Info("registered agent type", "agent_type", agentType)

	if topics != "" {
		for _, topic := range strings.Split(topics, ",") {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			prefix := strings.HasSuffix(topic, "*")
			topic = strings.TrimSuffix(topic, "*")
			if err := c.AddSubscription(ctx, topic, agentType, prefix); err != nil {
				return fmt.Errorf("subscribing to %q: %w", topic, err)
			}
			logger.Info("subscribed", "topic", topic, "prefix", prefix)
		}
	}

	if publish != "" {
		topic, text, ok := strings.Cut(publish, ":")
		if !ok {
			return fmt.Errorf("invalid -publish %q: want topic:text", publish)
		}
		ev := client.NewTextEvent(source, topic, text)
		if err := c.Publish(ev); err != nil {
			return fmt.Errorf("publishing event: %w", err)
		}
		logger.Info("published event", "event_id", ev.Id, "event_type", topic)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done:
		return fmt.Errorf("gateway connection lost")
	}
}
