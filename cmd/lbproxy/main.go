// Command lbproxy runs the image-generation worker load balancer: it
// wires together the worker registry, health prober, scheduler,
// job store, dispatcher, upstream client, websocket hub, and both
// HTTP surfaces, then serves until an interrupt signal arrives.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/loadbalancer/lbproxy/internal/archive"
	"github.com/loadbalancer/lbproxy/internal/config"
	"github.com/loadbalancer/lbproxy/internal/controlapi"
	"github.com/loadbalancer/lbproxy/internal/dispatch"
	"github.com/loadbalancer/lbproxy/internal/frontapi"
	"github.com/loadbalancer/lbproxy/internal/gateway"
	"github.com/loadbalancer/lbproxy/internal/health"
	"github.com/loadbalancer/lbproxy/internal/jobstore"
	"github.com/loadbalancer/lbproxy/internal/scheduler"
	"github.com/loadbalancer/lbproxy/internal/statscache"
	"github.com/loadbalancer/lbproxy/internal/upstream"
	"github.com/loadbalancer/lbproxy/internal/workerpool"
	"github.com/loadbalancer/lbproxy/internal/wshub"
)

func main() {
	configPath := flag.String("c", "", "path to YAML config file")
	flag.StringVar(configPath, "config", *configPath, "path to YAML config file")
	host := flag.String("H", "", "override server.host")
	port := flag.Int("p", 0, "override server.port")
	debug := flag.Bool("debug", false, "override server.debug")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("lbproxy: no .env file found")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("lbproxy: config error: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Server.Debug = true
	}

	registry := workerpool.NewRegistry(cfg.HealthCheck.HealthyThreshold, cfg.HealthCheck.UnhealthyThreshold)
	for _, b := range cfg.Backends {
		registry.Register(b)
	}

	store := jobstore.New(jobstore.Config{MaxSize: cfg.Queue.MaxSize})

	var arch *archive.Archive
	if cfg.Mongo.Enabled {
		arch, err = archive.Connect(cfg.Mongo.URI, "lbproxy")
		if err != nil {
			log.Printf("lbproxy: mongo archive disabled, connect failed: %v", err)
		} else {
			defer arch.Disconnect()
			store.OnArchive(arch.OnJobArchive)
		}
	}

	var cache *statscache.Cache
	if cfg.Redis.Enabled {
		cache, err = statscache.Connect(cfg.Redis.URL, 2*time.Second)
		if err != nil {
			log.Printf("lbproxy: stats cache disabled, connect failed: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	sched := scheduler.New(cfg.Scheduler.Strategy, cfg.Scheduler.PreferIdle)

	hub := wshub.New(store)
	registry.OnChange(func(snap workerpool.Snapshot) {
		hub.Broadcast(map[string]any{"type": "backend_update", "backend": snap.Name, "healthClass": snap.HealthClass})
		if cache != nil {
			cache.PublishEvent(context.Background(), statscache.Event{Kind: "health_change", Worker: snap.Name, Timestamp: time.Now()})
		}
	})
	for _, w := range registry.All() {
		hub.RegisterWorker(w)
	}

	upstreamClient := upstream.New(cfg.HealthCheck.Timeout + 5*time.Second)

	d := dispatch.New(store, registry, sched, upstreamClient, dispatch.Config{
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryInterval: cfg.Queue.RetryInterval,
	}, wshub.BridgeSID)

	prober := health.New(registry, health.Config{
		Interval: cfg.HealthCheck.Interval,
		Timeout:  cfg.HealthCheck.Timeout,
	})

	var gw *gateway.Client
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway.AdminURL, 10*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)
	go prober.Run(ctx)

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Admin-Password", "x-admin-password"}
	router.Use(cors.New(corsCfg))

	front := frontapi.New(store, d, upstreamClient, registry, hub, cfg.HealthCheck.Timeout+5*time.Second)
	front.Register(router)

	control := controlapi.New(registry, store, sched, d, prober, gw, arch, cache, hub)
	control.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "lbproxy"})
	})

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("lbproxy: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("lbproxy: server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("lbproxy: shutting down")

	cancel()
	d.Stop()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("lbproxy: forced shutdown: %v", err)
	}
	log.Println("lbproxy: exited")
}
