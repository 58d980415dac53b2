package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/relaykit/revchannel/internal/commandchannel"
	"github.com/relaykit/revchannel/internal/security"
)

// seedConfig is the optional on-disk seed for the channel's fixed schema.
// Any field left empty/zero falls through to the schema's own default.
type seedConfig struct {
	URL              string  `toml:"url"`
	LogPrefix        string  `toml:"log_prefix"`
	ProxyURL         string  `toml:"proxy_url"`
	ProxyUsername    string  `toml:"proxy_username"`
	ProxyPassword    string  `toml:"proxy_password"`
	ProxyTimeout     float64 `toml:"proxy_timeout"`
	ConnectTimeout   float64 `toml:"connect_timeout"`
	PingInterval     float64 `toml:"ping_interval"`
	PingTimeout      float64 `toml:"ping_timeout"`
	CloseTimeout     float64 `toml:"close_timeout"`
	ReconnectTimeout float64 `toml:"reconnect_timeout"`
}

func loadSeedConfig(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var seed seedConfig
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	updates := map[string]any{}
	addIfSet := func(key, v string) {
		if v != "" {
			updates[key] = v
		}
	}
	addIfSet("url", seed.URL)
	addIfSet("log_prefix", seed.LogPrefix)
	addIfSet("proxy_url", seed.ProxyURL)
	addIfSet("proxy_username", seed.ProxyUsername)
	addIfSet("proxy_password", seed.ProxyPassword)
	addIfSetFloat := func(key string, v float64) {
		if v != 0 {
			updates[key] = v
		}
	}
	addIfSetFloat("proxy_timeout", seed.ProxyTimeout)
	addIfSetFloat("connect_timeout", seed.ConnectTimeout)
	addIfSetFloat("ping_interval", seed.PingInterval)
	addIfSetFloat("ping_timeout", seed.PingTimeout)
	addIfSetFloat("close_timeout", seed.CloseTimeout)
	addIfSetFloat("reconnect_timeout", seed.ReconnectTimeout)
	return updates, nil
}

func main() {
	var (
		url        string
		logPrefix  string
		configPath string
	)
	flag.StringVar(&url, "url", "", "reverse channel URL to dial (overrides -config)")
	flag.StringVar(&logPrefix, "log-prefix", "", "prefix attached to every log line (overrides -config)")
	flag.StringVar(&configPath, "config", "", "optional TOML file seeding the channel's configuration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	initial, err := loadSeedConfig(configPath)
	if err != nil {
		fatal(logger, err)
	}
	if initial == nil {
		initial = map[string]any{}
	}
	if url != "" {
		initial["url"] = url
	}
	if logPrefix != "" {
		initial["log_prefix"] = logPrefix
	}
	if _, ok := initial["url"]; !ok {
		fatal(logger, fmt.Errorf("url is required: pass -url or set it in -config"))
	}

	ch, err := commandchannel.New(echoHandler, initial, commandchannel.WithLogger(logger))
	if err != nil {
		fatal(logger, err)
	}
	ch.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		ch.Run()
		close(runDone)
	}()

	select {
	case <-ctx.Done():
		shutdownDone := make(chan struct{})
		ch.Shutdown(func() { close(shutdownDone) })
		<-shutdownDone
	case <-runDone:
	}
	<-runDone
}

// echoHandler is a demonstration handler: it logs the inbound command
// (redacted, in case a caller pastes something secret-looking into it) and
// echoes it straight back.
func echoHandler(ch *commandchannel.Channel, conn *commandchannel.Conn, message []byte) bool {
	slog.Debug("received command", "body", security.RedactForStorage(string(message)))
	if err := conn.Send(message); err != nil {
		slog.Warn("error echoing reply", "err", err)
	}
	return true
}

func fatal(logger *slog.Logger, err error) {
	logger.Error(strings.TrimSpace(err.Error()))
	os.Exit(1)
}
