package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/docmesh/docmesh"
)

const DocmeshdVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Docmesh sync daemon.

Listens for websocket peers and keeps replicated documents consistent
across peers and the configured storage backends. Environment variables
(DOCMESH_*) provide defaults for every option.

Usage:
    docmeshd [--addr=<addr>]
        [--peer_url=<peer_url>...]
        [--bbolt=<path>]
        [--redis_url=<redis_url>]
        [--pg_url=<pg_url>]
        [--jwt=<jwt>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --addr=<addr>            Listen address.
    --peer_url=<peer_url>    Remote coordinator websocket url. Repeatable.
    --bbolt=<path>           Attach a local bbolt storage backend.
    --redis_url=<redis_url>  Attach a redis storage backend.
    --pg_url=<pg_url>        Attach a postgres storage backend.
    --jwt=<jwt>              Bearer attached when dialing peers.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocmeshdVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	config := docmesh.LoadConfig()
	if addr, err := opts.String("--addr"); err == nil && addr != "" {
		config.Addr = addr
	}
	if peerUrls, ok := opts["--peer_url"].([]string); ok && 0 < len(peerUrls) {
		config.PeerUrls = peerUrls
	}
	if bboltPath, err := opts.String("--bbolt"); err == nil && bboltPath != "" {
		config.BboltPath = bboltPath
	}
	if redisUrl, err := opts.String("--redis_url"); err == nil && redisUrl != "" {
		config.RedisUrl = redisUrl
	}
	if pgUrl, err := opts.String("--pg_url"); err == nil && pgUrl != "" {
		config.DatabaseUrl = pgUrl
	}
	if byJwt, err := opts.String("--jwt"); err == nil && byJwt != "" {
		config.ByJwt = byJwt
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localPeerId := docmesh.NewId()
	settings := docmesh.DefaultCoordinatorSettings()
	settings.HeartbeatTimeout = config.HeartbeatTimeout
	settings.StorageWaitTimeout = config.StorageWaitTimeout
	settings.EphemeralTtl = config.EphemeralTtl
	coordinator := docmesh.NewCoordinator(ctx, localPeerId, settings)
	defer coordinator.Close()

	if config.BboltPath != "" {
		backend, err := docmesh.NewBboltStorage(config.BboltPath)
		if err != nil {
			Err.Fatalf("bbolt storage: %s", err)
		}
		adapter, err := docmesh.NewStorageAdapterWithDefaults(ctx, "bbolt", backend)
		if err != nil {
			Err.Fatalf("bbolt storage: %s", err)
		}
		coordinator.AddChannel(adapter, docmesh.ChannelKindStorage)
		Out.Printf("attached bbolt storage %s peer=%s", config.BboltPath, adapter.PeerId())
	}
	if config.RedisUrl != "" {
		backend, err := docmesh.NewRedisStorage(config.RedisUrl)
		if err != nil {
			Err.Fatalf("redis storage: %s", err)
		}
		adapter, err := docmesh.NewStorageAdapterWithDefaults(ctx, "redis", backend)
		if err != nil {
			Err.Fatalf("redis storage: %s", err)
		}
		coordinator.AddChannel(adapter, docmesh.ChannelKindStorage)
		Out.Printf("attached redis storage peer=%s", adapter.PeerId())
	}
	if config.DatabaseUrl != "" {
		backend, err := docmesh.NewPgStorage(ctx, config.DatabaseUrl)
		if err != nil {
			Err.Fatalf("pg storage: %s", err)
		}
		adapter, err := docmesh.NewStorageAdapterWithDefaults(ctx, "pg", backend)
		if err != nil {
			Err.Fatalf("pg storage: %s", err)
		}
		coordinator.AddChannel(adapter, docmesh.ChannelKindStorage)
		Out.Printf("attached pg storage peer=%s", adapter.PeerId())
	}

	var auth *docmesh.PeerAuth
	if config.ByJwt != "" {
		auth = &docmesh.PeerAuth{ByJwt: config.ByJwt}
	}
	for _, peerUrl := range config.PeerUrls {
		transport := docmesh.NewWsTransport(ctx, coordinator, peerUrl, auth, docmesh.DefaultWsTransportSettings())
		defer transport.Close()
		Out.Printf("dialing peer %s", peerUrl)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", docmesh.NewWsHandlerWithDefaults(ctx, coordinator))

	server := &http.Server{
		Addr:    config.Addr,
		Handler: mux,
	}
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-ctx.Done():
		}
		server.Close()
	}()

	Out.Printf("docmeshd %s peer=%s listening on %s", DocmeshdVersion, localPeerId, config.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Fatalf("listen: %s", err)
	}
}
