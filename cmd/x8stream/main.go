package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/cerelog"
	"github.com/shaunagostinho/cerelog-x8/internal/config"
	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated board")
	port := flag.String("port", "", "Serial port (skips discovery)")
	streamer := flag.String("streamer", "", "Streamer params, e.g. file://eeg.csv:w;ws://:8090")
	listenAddr := flag.String("listen", "", "Override websocket listen address (e.g. :8090)")
	duration := flag.Duration("duration", 0, "Stop after this long (0 = until signalled)")
	saveConfig := flag.String("save-config", "", "Write the effective config to this path and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] x8stream starting")

	cfg := config.LoadConfig(*configPath)
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *streamer != "" {
		cfg.Stream.Streamer = *streamer
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *saveConfig != "" {
		if err := cfg.Save(*saveConfig); err != nil {
			log.Fatalf("[main] save config: %v", err)
		}
		log.Printf("[main] config written to %s", *saveConfig)
		return
	}

	dev, err := cfg.DeviceSettings()
	if err != nil {
		log.Fatalf("[main] device config: %v", err)
	}
	params, err := cfg.InputParams()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	var tr transport.Transport = transport.NewSerial()
	if *demo {
		tr, _ = cerelog.NewDemoTransport(dev)
		params.SerialPort = ""
	}

	board, err := cerelog.NewBoard(tr, dev, params)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	if err := prepareWithRetry(ctx, board, 10); err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
	defer board.ReleaseSession()

	if err := board.StartStream(cfg.Stream.BufferSize, cfg.StreamerParams()); err != nil {
		log.Printf("[main] start stream: %v", err)
		return
	}

	run(ctx, board)

	if err := board.StopStream(); err != nil {
		log.Printf("[main] stop stream: %v", err)
	}
	st := board.Status()
	log.Printf("[main] done: %d samples, %d buffered, %d dropped", st.Stats.Samples, st.Buffered, st.Stats.Dropped())
}

// run logs stats every few seconds until ctx ends or the stream dies.
func run(ctx context.Context, board *cerelog.Board) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := board.Err(); err != nil {
			log.Printf("[main] stream failed: %v", err)
			return
		}
		st := board.Status()
		drift := 0.0
		if st.Sync != nil {
			drift = st.Sync.DriftMean * 1e3
		}
		log.Printf("[stats] frames=%d samples=%d buffered=%d sync=%d dropped=%d drift=%.3fms",
			st.Stats.Frames, st.Stats.Samples, st.Buffered, st.Stats.SyncFrames, st.Stats.Dropped(), drift)
	}
}

// prepareWithRetry attempts to prepare the session with exponential backoff.
// Starts at 1s, doubles each attempt up to 30s. Negotiation errors and
// misconfiguration are not retried.
func prepareWithRetry(ctx context.Context, board *cerelog.Board, maxAttempts int) error {
	delay := 1 * time.Second
	maxDelay := 30 * time.Second

	for attempt := 1; ; attempt++ {
		err := board.PrepareSession()
		if err == nil {
			log.Printf("[main] board ready (attempt %d)", attempt)
			return nil
		}
		if errors.Is(err, cerelog.ErrUnsupportedBaudConfig) || attempt >= maxAttempts {
			return err
		}
		log.Printf("[main] prepare attempt %d/%d failed: %v (retry in %v)", attempt, maxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
