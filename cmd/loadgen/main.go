// Command loadgen drives a running pubsubd with configurable publisher and
// subscriber load and reports throughput, acks, and drop notices. It speaks
// the same text-frame protocol as real clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

type options struct {
	url         string
	topic       string
	subscribers int
	publishers  int
	rate        int
	lastN       int
	payloadSize int
	duration    time.Duration
	report      time.Duration
}

type counters struct {
	published uint64
	acked     uint64
	events    uint64
	dropped   uint64
	errors    uint64
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:7070/", "broker data-plane URL")
	flag.StringVar(&opts.topic, "topic", "loadgen", "topic to exercise (must already exist)")
	flag.IntVar(&opts.subscribers, "subscribers", 10, "number of subscriber connections")
	flag.IntVar(&opts.publishers, "publishers", 2, "number of publisher connections")
	flag.IntVar(&opts.rate, "rate", 100, "publishes per second per publisher")
	flag.IntVar(&opts.lastN, "last-n", 0, "history replay depth for subscribers")
	flag.IntVar(&opts.payloadSize, "payload", 128, "approximate payload size in bytes")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "test duration")
	flag.DurationVar(&opts.report, "report", 5*time.Second, "report interval")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup

	for i := 0; i < opts.subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := runSubscriber(ctx, opts, fmt.Sprintf("sub-%d", i), &c); err != nil {
				atomic.AddUint64(&c.errors, 1)
				logger.Warn().Err(err).Int("subscriber", i).Msg("subscriber exited")
			}
		}(i)
	}
	for i := 0; i < opts.publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := runPublisher(ctx, opts, &c); err != nil {
				atomic.AddUint64(&c.errors, 1)
				logger.Warn().Err(err).Int("publisher", i).Msg("publisher exited")
			}
		}(i)
	}

	ticker := time.NewTicker(opts.report)
	defer ticker.Stop()
	start := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			report(logger, &c, time.Since(start))
		}
	}

	wg.Wait()
	report(logger, &c, time.Since(start))
	logger.Info().Msg("done")
}

func report(logger zerolog.Logger, c *counters, elapsed time.Duration) {
	logger.Info().
		Dur("elapsed", elapsed.Round(time.Second)).
		Uint64("published", atomic.LoadUint64(&c.published)).
		Uint64("acked", atomic.LoadUint64(&c.acked)).
		Uint64("events", atomic.LoadUint64(&c.events)).
		Uint64("dropped", atomic.LoadUint64(&c.dropped)).
		Uint64("errors", atomic.LoadUint64(&c.errors)).
		Msg("progress")
}

// frame is the subset of the server frame surface the generator inspects.
type frame struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func dial(ctx context.Context, url string) (net.Conn, io.Reader, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return conn, r, nil
}

func runSubscriber(ctx context.Context, opts options, clientID string, c *counters) error {
	conn, r, err := dial(ctx, opts.url)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub, _ := json.Marshal(map[string]any{
		"type":      "subscribe",
		"topic":     opts.topic,
		"client_id": clientID,
		"last_n":    opts.lastN,
	})
	if err := wsutil.WriteClientMessage(conn, ws.OpText, sub); err != nil {
		return err
	}

	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}
	for {
		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.Type {
		case "event":
			atomic.AddUint64(&c.events, 1)
			atomic.AddUint64(&c.dropped, f.Dropped)
		case "error":
			atomic.AddUint64(&c.errors, 1)
		case "unsubscribed":
			return nil
		}
	}
}

func runPublisher(ctx context.Context, opts options, c *counters) error {
	conn, r, err := dial(ctx, opts.url)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Drain acks and errors in the background so the server's writer never
	// stalls on this connection.
	go func() {
		rw := struct {
			io.Reader
			io.Writer
		}{r, conn}
		for {
			data, _, err := wsutil.ReadServerData(rw)
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			switch f.Type {
			case "ack":
				atomic.AddUint64(&c.acked, 1)
			case "error":
				atomic.AddUint64(&c.errors, 1)
			}
		}
	}()

	pad := make([]byte, opts.payloadSize)
	for i := range pad {
		pad[i] = 'x'
	}

	interval := time.Second
	if opts.rate > 0 {
		interval = time.Second / time.Duration(opts.rate)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n++
			pub, _ := json.Marshal(map[string]any{
				"type":  "publish",
				"topic": opts.topic,
				"message": map[string]any{
					"id":      fmt.Sprintf("load-%d", n),
					"payload": map[string]string{"pad": string(pad)},
				},
			})
			if err := wsutil.WriteClientMessage(conn, ws.OpText, pub); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			atomic.AddUint64(&c.published, 1)
		}
	}
}
