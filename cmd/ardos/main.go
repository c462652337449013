package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/ksmit799/Ardos-sub000/internal/clientagent"
	"github.com/ksmit799/Ardos-sub000/internal/config"
	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/database"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/logging"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/stateserver"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	registry, err := dc.LoadFiles(cfg.DCFiles)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load class schema")
	}
	log.Info().Int("classes", registry.ClassCount()).
		Uint32("hash", registry.Hash()).Msg("Class schema loaded")

	var m *metrics.Registry
	if cfg.Metrics.Enabled {
		m = metrics.New(log)
		m.Serve(cfg.Metrics.Host, cfg.Metrics.Port)
	}

	backend, err := newBusBackend(cfg.MessageDirector, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	bus := messagedirector.New(backend, m, log)
	if backend != nil {
		if err := backend.Start(bus.Deliver); err != nil {
			log.Fatal().Err(err).Msg("Failed to start broker consumer")
		}
	}

	if cfg.StateServer.Enabled {
		stateserver.New(bus, registry, stateserver.Config{
			Channel: cfg.StateServer.Channel,
		}, m, log)
	}

	var store database.Backend
	if cfg.DatabaseServer.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = database.NewMongoBackend(ctx, cfg.DatabaseServer.URI,
			cfg.DatabaseServer.Database,
			cfg.DatabaseServer.GenerateMin, cfg.DatabaseServer.GenerateMax)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		database.NewServer(bus, registry, store, database.ServerConfig{
			Channel: cfg.DatabaseServer.Channel,
		}, m, log)
	}

	if cfg.DBStateServer.Enabled {
		database.NewStateServer(bus, registry, database.StateConfig{
			Database: cfg.DBStateServer.Database,
			RangeMin: cfg.DBStateServer.RangeMin,
			RangeMax: cfg.DBStateServer.RangeMax,
		}, m, log)
	}

	var agent *clientagent.ClientAgent
	if cfg.ClientAgent.Enabled {
		agent = clientagent.New(bus, registry, clientAgentConfig(cfg.ClientAgent, registry, log), m, log)
		if err := agent.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start client agent")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("Shutting down")

	if agent != nil {
		agent.Close()
	}
	bus.Close()
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store.Close(ctx)
		cancel()
	}
	if m != nil {
		m.Close()
	}
}

// newBusBackend builds the configured broker backend; loopback returns nil,
// which keeps all routing in-process.
func newBusBackend(cfg config.MessageDirectorConfig, log zerolog.Logger) (messagedirector.Backend, error) {
	switch cfg.Backend {
	case "amqp":
		return messagedirector.NewAMQPBackend(messagedirector.AMQPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			Exchange: cfg.Exchange,
		}, log)
	case "nats":
		return messagedirector.NewNATSBackend(messagedirector.NATSConfig{URL: cfg.URL}, log)
	default:
		return nil, nil
	}
}

func clientAgentConfig(cfg config.ClientAgentConfig, registry *dc.Registry, log zerolog.Logger) clientagent.Config {
	uberdogs := make(map[core.Doid]clientagent.Uberdog, len(cfg.Uberdogs))
	for _, ud := range cfg.Uberdogs {
		class, ok := registry.ClassByName(ud.Class)
		if !ok {
			log.Fatal().Str("dclass", ud.Class).Uint32("do_id", ud.ID).
				Msg("Uberdog names unknown dclass")
		}
		uberdogs[ud.ID] = clientagent.Uberdog{Class: class, Anonymous: ud.Anonymous}
	}

	hash := cfg.DCHash
	if hash == 0 {
		hash = registry.Hash()
	}

	interests := clientagent.InterestsEnabled
	switch cfg.InterestsPermission {
	case "visible":
		interests = clientagent.InterestsVisible
	case "disabled":
		interests = clientagent.InterestsDisabled
	}

	return clientagent.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		WSPort:               cfg.WSPort,
		Version:              cfg.Version,
		DCHash:               hash,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		AuthTimeout:          cfg.AuthTimeout,
		InterestTimeout:      cfg.InterestTimeout,
		ChannelMin:           cfg.ChannelMin,
		ChannelMax:           cfg.ChannelMax,
		Interests:            interests,
		RelocateAllowed:      cfg.RelocateAllowed,
		ConnectionsPerSecond: cfg.ConnectionsPerSecond,
		Uberdogs:             uberdogs,
	}
}
