package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"krug/server/internal/auth"
	"krug/server/internal/bot"
	"krug/server/internal/history"
	"krug/server/internal/hub"
	"krug/server/internal/tcp"
	"krug/server/internal/udp"
	"krug/server/internal/web"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const metricsInterval = 30 * time.Second

func main() {
	tcpAddr := flag.String("tcp", ":12345", "control port listen address")
	voicePort := flag.Int("voice-port", 40000, "UDP voice relay port")
	videoPort := flag.Int("video-port", 40001, "UDP video relay port")
	httpAddr := flag.String("http", ":8080", "web bridge listen address")
	usersPath := flag.String("users", "users.json", "users database path")
	linksPath := flag.String("links", "telegram_links.json", "telegram links database path")
	historyPath := flag.String("history", "history.log", "chat history path")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "tcp", *tcpAddr, "http", *httpAddr,
		"voice_port", *voicePort, "video_port", *videoPort)

	creds, err := auth.Open(*usersPath, *linksPath)
	if err != nil {
		slog.Error("open credential store", "err", err)
		os.Exit(1)
	}
	hist, err := history.Open(*historyPath)
	if err != nil {
		slog.Error("open chat history", "err", err)
		os.Exit(1)
	}

	reg := hub.New()
	broadcaster := web.NewBroadcaster()
	bridge := web.New(broadcaster)
	control := tcp.New(*tcpAddr, reg, creds, hist, broadcaster)
	relay := udp.New(reg, *voicePort, *videoPort)

	// Bind everything before serving so a taken port fails the process
	// instead of limping along half-listening.
	if err := control.Listen(); err != nil {
		slog.Error("bind control port", "err", err)
		os.Exit(1)
	}
	if err := relay.Listen(); err != nil {
		slog.Error("bind media ports", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received signal, shutting down")
		cancel()
	}()

	if token := os.Getenv("TG_BOT_TOKEN"); token != "" {
		tgBot, err := bot.New(token, creds)
		if err != nil {
			slog.Error("telegram bot unavailable", "err", err)
		} else {
			go func() {
				if err := tgBot.Run(ctx); err != nil {
					slog.Error("telegram bot stopped", "err", err)
				}
			}()
		}
	} else {
		slog.Info("TG_BOT_TOKEN not set, telegram bot disabled")
	}

	go runMetrics(ctx, relay)

	errCh := make(chan error, 3)
	go func() { errCh <- control.Serve(ctx) }()
	go func() { errCh <- relay.Serve(ctx) }()
	go func() { errCh <- bridge.Run(ctx, *httpAddr) }()

	for i := 0; i < cap(errCh); i++ {
		if err := <-errCh; err != nil {
			slog.Error("server error", "err", err)
			cancel()
			os.Exit(1)
		}
	}
	slog.Info("server stopped")
}

// runMetrics logs relay throughput every interval until ctx is canceled.
func runMetrics(ctx context.Context, relay *udp.SFU) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			datagrams, bytes := relay.Stats()
			if datagrams > 0 {
				slog.Info("relay stats", "datagrams", datagrams, "bytes", bytes,
					"kbps", float64(bytes)*8/metricsInterval.Seconds()/1000)
			}
		}
	}
}
