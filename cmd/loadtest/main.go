package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/messaging"
	mkafka "github.com/erain9/matchsettle/pkg/messaging/kafka"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	brokers     = flag.String("brokers", "localhost:9092", "Comma separated Kafka brokers")
	topic       = flag.String("topic", "exchange", "Exchange topic")
	inboundKey  = flag.String("inbound_key", "order.created", "Routing key of new orders")
	outboundKey = flag.String("outbound_key", "order.executed", "Routing key of notifications")
	numOrders   = flag.Int("orders", 1000, "Number of orders to publish")
	ordersPerS  = flag.Int("rate", 50, "Orders per second")
	users       = flag.Int("users", 20, "Number of distinct synthetic users")
	wait        = flag.Duration("wait", 30*time.Second, "How long to wait for notifications after the last order")
)

func main() {
	flag.Parse()
	addrs := strings.Split(*brokers, ",")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		log.Println("Received interrupt signal, cleaning up...")
		cancel()
	}()

	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        *topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}
	defer writer.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     addrs,
		Topic:       *topic,
		GroupID:     "matchsettle-loadtest-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MaxWait:     100 * time.Millisecond,
	})
	defer reader.Close()

	var (
		mu      sync.Mutex
		sentAt  = make(map[string]time.Time, *numOrders)
		hist    = hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)
		counts  = make(map[messaging.Status]int)
		settled = make(chan struct{})
	)

	go func() {
		seen := 0
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				return
			}
			if header(msg, mkafka.RoutingKeyHeader) != *outboundKey {
				continue
			}
			var n messaging.Notification
			if err := json.Unmarshal(msg.Value, &n); err != nil {
				continue
			}

			mu.Lock()
			counts[n.Status]++
			if start, ok := sentAt[n.TransactionID]; ok {
				_ = hist.RecordValue(time.Since(start).Microseconds())
				delete(sentAt, n.TransactionID)
				seen++
			}
			done := seen == *numOrders
			mu.Unlock()

			if done {
				close(settled)
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(*ordersPerS), *ordersPerS)
	start := time.Now()
	var errors []error
	log.Printf("Publishing %d orders at %d/s...", *numOrders, *ordersPerS)

	for i := 0; i < *numOrders; i++ {
		if err := limiter.Wait(ctx); err != nil {
			errors = append(errors, fmt.Errorf("rate limiter error: %v", err))
			break
		}
		order := generateRandomOrder(i)
		data, err := json.Marshal(order)
		if err != nil {
			errors = append(errors, err)
			continue
		}

		mu.Lock()
		sentAt[order.TransactionID] = time.Now()
		mu.Unlock()

		err = writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(*inboundKey),
			Value: data,
			Headers: []kafka.Header{
				{Key: mkafka.RoutingKeyHeader, Value: []byte(*inboundKey)},
				{Key: mkafka.TransactionIDHeader, Value: []byte(order.TransactionID)},
			},
		})
		if err != nil {
			errors = append(errors, fmt.Errorf("failed to publish order: %v", err))
		}
	}
	published := time.Since(start)

	select {
	case <-settled:
	case <-time.After(*wait):
		log.Printf("Timed out waiting for notifications")
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	log.Printf("Published %d orders in %v", *numOrders, published)
	log.Printf("Orders without a notification: %d", len(sentAt))
	for status, n := range counts {
		log.Printf("Notifications %-16s %d", status, n)
	}
	if hist.TotalCount() > 0 {
		log.Printf("First notification latency p50=%v p90=%v p99=%v max=%v",
			micros(hist.ValueAtQuantile(50)),
			micros(hist.ValueAtQuantile(90)),
			micros(hist.ValueAtQuantile(99)),
			micros(hist.Max()))
	}
	log.Printf("Errors encountered: %d", len(errors))
	if len(errors) > 0 {
		log.Printf("First error: %v", errors[0])
		os.Exit(1)
	}
}

// generateRandomOrder builds a BTC/USDT order around a fixed price so that
// buys and sells cross often.
func generateRandomOrder(orderNum int) core.Order {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(orderNum)))

	const fixedPrice = 50000.0
	price := fixedPrice * (0.99 + r.Float64()*0.02)

	order := core.Order{
		TransactionID: uuid.NewString(),
		UserID:        fmt.Sprintf("user-%d", r.Intn(*users)),
		OrderType:     core.TypeLimit,
		Creation:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.Float64() < 0.2 {
		order.OrderType = core.TypeMarket
	}
	if r.Float64() < 0.5 {
		order.FromTokenID, order.ToTokenID = "USDT", "BTC"
		order.FromAmount = decimalOf(price * 0.01)
	} else {
		order.FromTokenID, order.ToTokenID = "BTC", "USDT"
		order.FromAmount = decimalOf(0.01)
	}
	if order.OrderType == core.TypeLimit {
		order.LimitPrice = decimalOf(price)
	}
	return order
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func decimalOf(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(8)
}
