// Command tap tails the exchange topic and prints every notification the
// engine publishes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/erain9/matchsettle/pkg/messaging"
	mkafka "github.com/erain9/matchsettle/pkg/messaging/kafka"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

var (
	brokers    = flag.String("brokers", "localhost:9092", "Comma separated Kafka brokers")
	topic      = flag.String("topic", "exchange", "Exchange topic")
	routingKey = flag.String("routing_key", "order.executed", "Routing key to show; empty shows everything")
	fromStart  = flag.Bool("from_start", false, "Read the topic from the beginning")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := kafka.LastOffset
	if *fromStart {
		start = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     strings.Split(*brokers, ","),
		Topic:       *topic,
		GroupID:     "matchsettle-tap-" + uuid.NewString(),
		StartOffset: start,
		MaxWait:     250 * time.Millisecond,
	})
	defer reader.Close()

	log.Info().Str("topic", *topic).Str("routing_key", *routingKey).Msg("Tailing notifications")

	color.NoColor = false
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		color.CyanString("Transaction"),
		color.CyanString("User"),
		color.CyanString("Status"),
		color.CyanString("Spent"),
		color.CyanString("Received"),
		color.CyanString("Details"))
	w.Flush()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to read message")
			}
			return
		}
		if *routingKey != "" && routingKeyOf(msg) != *routingKey {
			continue
		}

		var n messaging.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable message")
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.TransactionID,
			n.UserID,
			statusColor(n.Status),
			n.FromAmountActual.String(),
			n.ToAmountActual.String(),
			n.Details)
		w.Flush()
	}
}

func routingKeyOf(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == mkafka.RoutingKeyHeader {
			return string(h.Value)
		}
	}
	return string(msg.Key)
}

func statusColor(s messaging.Status) string {
	switch s {
	case messaging.StatusCompleted:
		return color.GreenString(string(s))
	case messaging.StatusPartiallyFilled:
		return color.YellowString(string(s))
	case messaging.StatusCancelled:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}
