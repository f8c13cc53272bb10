package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exchange/internal/broadcast"
	"exchange/internal/domain"
	kafka_infra "exchange/internal/infrastructure/kafka"
	nats_infra "exchange/internal/infrastructure/nats"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the event streams the server emits",
	}

	var groupID string
	trades := &cobra.Command{
		Use:   "trades",
		Short: "Print trade events relayed to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			consumer := kafka_infra.NewConsumer(
				opts.cfg.GetKafkaBrokers(),
				opts.cfg.Kafka.TradeEventsTopic,
				groupID,
				func(_ context.Context, msg kafka.Message) error {
					return printTradeEvent(out, msg.Value)
				},
				opts.logger.With(zap.String("component", "KafkaConsumer")),
			)
			defer consumer.Close()
			return consumer.Consume(ctx)
		},
	}
	trades.Flags().StringVar(&groupID, "group", "exchange-watch", "Kafka consumer group")

	rates := &cobra.Command{
		Use:   "rates",
		Short: "Print live rate updates published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := nats_infra.Connect(opts.cfg.NATS.URL, "exchange-watch", opts.logger.With(zap.String("component", "NATSClient")))
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			unsubscribe, err := client.Subscribe(broadcast.SubjectPrefix+"*", func(subject string, data []byte) {
				mu.Lock()
				defer mu.Unlock()
				if err := printRateUpdate(out, data); err != nil {
					opts.logger.Warn("Dropping malformed rate update", zap.String("subject", subject), zap.Error(err))
				}
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			<-ctx.Done()
			return nil
		},
	}

	cmd.AddCommand(trades, rates)
	return cmd
}

func printTradeEvent(w io.Writer, payload []byte) error {
	var ev domain.TradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("failed to decode trade event: %w", err)
	}
	line := fmt.Sprintf("%s %s %s", ev.Timestamp.UTC().Format("2006-01-02 15:04:05"), ev.Type, ev.Username)
	if ev.Currency != "" {
		line += fmt.Sprintf(" %s %s %s @ %s", ev.Side, ev.Amount, ev.Currency, ev.Rate)
	} else {
		line += " " + ev.Amount.String()
	}
	if ev.Counterparty != "" {
		line += " -> " + ev.Counterparty
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func printRateUpdate(w io.Writer, payload []byte) error {
	var upd domain.RateUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s %s\n", upd.At.UTC().Format("15:04:05"), broadcast.FormatUpdate(upd.Code, upd.Rate))
	return err
}
