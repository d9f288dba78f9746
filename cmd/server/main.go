package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/server"
	"github.com/NicolasHaas/gochat/pkg/version"
)

func main() {
	// A missing .env file is fine; variables may come from the environment.
	_ = godotenv.Load()

	var (
		flags       = server.DefaultConfig()
		configFile  = flag.String("config", "", "YAML config file (flags > env > file > defaults)")
		exportRooms = flag.Bool("export-rooms", false, "Export all rooms as YAML and exit")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)

	flag.StringVar(&flags.ListenAddr, "listen", flags.ListenAddr, "TCP bind address")
	flag.StringVar(&flags.WSAddr, "ws", flags.WSAddr, "WebSocket bind address (empty to disable)")
	flag.StringVar(&flags.MetricsAddr, "metrics", flags.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&flags.DBPath, "db", flags.DBPath, "SQLite database file path, :memory: for a throwaway store")
	flag.BoolVar(&flags.TLS, "tls", flags.TLS, "Serve the TCP listener over TLS")
	flag.StringVar(&flags.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&flags.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&flags.DataDir, "data", flags.DataDir, "Data directory for generated files")
	flag.DurationVar(&flags.HandshakeTimeout, "handshake-timeout", flags.HandshakeTimeout, "Max wait for the connect frame")
	flag.IntVar(&flags.GatewayWorkers, "workers", flags.GatewayWorkers, "Concurrent database calls")
	flag.IntVar(&flags.JoinHistoryLimit, "join-history", flags.JoinHistoryLimit, "Room messages pushed after a join (0 to disable)")
	flag.Float64Var(&flags.RateLimit, "rate-limit", flags.RateLimit, "Inbound frames per second per client (0 for unlimited)")
	flag.IntVar(&flags.RateBurst, "rate-burst", flags.RateBurst, "Inbound frame burst per client")
	flag.StringVar(&flags.RoomsFile, "rooms-file", "", "YAML file defining rooms to create on startup")
	flag.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&flags.LogFormat, "log-format", flags.LogFormat, "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println("gochat-server", version.Full())
		return
	}

	cfg, err := resolveConfig(*configFile, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	if *exportRooms {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		data, err := server.ExportRoomsYAML(ctx, st)
		cancel()
		_ = st.Close()
		if err != nil {
			slog.Error("export rooms", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting gochat server", "version", version.String(), "db", cfg.DBPath)
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// resolveConfig layers defaults, the config file, GOCHAT_* variables and
// the flags given on the command line, in that order.
func resolveConfig(path string, flags server.Config) (server.Config, error) {
	cfg := server.DefaultConfig()
	if path != "" {
		if err := server.LoadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := server.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = flags.ListenAddr
		case "ws":
			cfg.WSAddr = flags.WSAddr
		case "metrics":
			cfg.MetricsAddr = flags.MetricsAddr
		case "db":
			cfg.DBPath = flags.DBPath
		case "tls":
			cfg.TLS = flags.TLS
		case "cert":
			cfg.CertFile = flags.CertFile
		case "key":
			cfg.KeyFile = flags.KeyFile
		case "data":
			cfg.DataDir = flags.DataDir
		case "handshake-timeout":
			cfg.HandshakeTimeout = flags.HandshakeTimeout
		case "workers":
			cfg.GatewayWorkers = flags.GatewayWorkers
		case "join-history":
			cfg.JoinHistoryLimit = flags.JoinHistoryLimit
		case "rate-limit":
			cfg.RateLimit = flags.RateLimit
		case "rate-burst":
			cfg.RateBurst = flags.RateBurst
		case "rooms-file":
			cfg.RoomsFile = flags.RoomsFile
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		}
	})

	return cfg, cfg.Validate()
}
