/*
Kumo MTA - High-throughput outbound SMTP mail transfer agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Kumo MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// kumod is the message transfer agent daemon: it accepts messages through
// the injection API, schedules them per destination and delivers them
// over SMTP under the configured shaping policy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/hooks"
	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/admin"
	"github.com/KumoCorp/kumomta/internal/classify"
	"github.com/KumoCorp/kumomta/internal/lifecycle"
	"github.com/KumoCorp/kumomta/internal/logging"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/queue"
	"github.com/KumoCorp/kumomta/internal/shaping"
	"github.com/KumoCorp/kumomta/internal/spool"
	"github.com/KumoCorp/kumomta/internal/throttle"
	"github.com/KumoCorp/kumomta/internal/xfer"
)

type config struct {
	Hostname   string `toml:"hostname"`
	NodeID     string `toml:"node_id"`
	HTTPListen string `toml:"http_listen"`

	TrustedPeers []string `toml:"trusted_peers"`

	Spool struct {
		Path  string `toml:"path"`
		Flush bool   `toml:"flush"`
	} `toml:"spool"`

	RedisURL string `toml:"redis_url"`

	BounceReports bool `toml:"bounce_reports"`

	ShapingFiles    []string `toml:"shaping_files"`
	ClassifierFiles []string `toml:"classifier_files"`

	EgressPools map[string][]string `toml:"egress_pools"`

	DNSCacheTTL shaping.Duration `toml:"dns_cache_ttl"`

	Loggers []struct {
		Name    string   `toml:"name"`
		Dir     string   `toml:"dir"`
		Meta    []string `toml:"meta"`
		Headers []string `toml:"headers"`

		MaxSegmentBytes    int64            `toml:"max_segment_bytes"`
		MaxSegmentDuration shaping.Duration `toml:"max_segment_duration"`
		CompressionLevel   int              `toml:"compression_level"`
		BackPressure       int              `toml:"back_pressure"`
	} `toml:"logger"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.Hostname
	}
	if cfg.HTTPListen == "" {
		cfg.HTTPListen = "127.0.0.1:8000"
	}
	if cfg.Spool.Path == "" {
		cfg.Spool.Path = "/var/spool/kumod"
	}
	if cfg.DNSCacheTTL == 0 {
		cfg.DNSCacheTTL = shaping.Duration(time.Minute)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	logger := log.DefaultLogger
	logger.Name = "kumod"

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	lifecycle.Init()

	// Spool must come up before anything can accept messages; failing to
	// take its lock is fatal.
	dataStore, err := spool.OpenLocalDisk(cfg.Spool.Path+"/data-spool", cfg.Spool.Flush)
	if err != nil {
		return err
	}
	metaStore, err := spool.OpenLocalDisk(cfg.Spool.Path+"/meta-spool", cfg.Spool.Flush)
	if err != nil {
		return err
	}
	if err := spool.Register(dataStore, metaStore); err != nil {
		return err
	}
	defer spool.Shutdown()

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis_url: %w", err)
		}
		throttle.ConfigureRedis(redis.NewClient(opts))
	}

	// Classifier and shaping errors are configuration errors: they
	// prevent service entry.
	builder := classify.NewBuilder()
	for _, path := range cfg.ClassifierFiles {
		if err := builder.MergeFile(path); err != nil {
			return err
		}
	}
	classifier, err := builder.Build()
	if err != nil {
		return err
	}
	logging.SetClassifier(classifier)

	resolver := dns.NewMXResolver(dns.DefaultResolver(), cfg.DNSCacheTTL.Std())

	shapingSnapshot, err := shaping.MergeFiles(c.Context, resolver, cfg.ShapingFiles)
	if err != nil {
		return err
	}
	for _, warning := range shapingSnapshot.Warnings {
		logger.Msg("shaping warning", "warning", warning)
	}

	for _, lc := range cfg.Loggers {
		if _, err := logging.Init(logging.InstanceParams{
			Name:               lc.Name,
			LogDir:             lc.Dir,
			Meta:               lc.Meta,
			Headers:            lc.Headers,
			MaxSegmentBytes:    lc.MaxSegmentBytes,
			MaxSegmentDuration: lc.MaxSegmentDuration.Std(),
			CompressionLevel:   lc.CompressionLevel,
			BackPressure:       lc.BackPressure,
		}); err != nil {
			return err
		}
	}
	defer logging.Shutdown()

	queues := queue.NewManager(resolver, cfg.Hostname)
	queues.EgressSources = cfg.EgressPools
	queues.BounceReports = cfg.BounceReports
	queues.SetShaping(shapingSnapshot)

	if count, err := queues.SpoolIn(c.Context); err != nil {
		return err
	} else if count != 0 {
		logger.Msg("spool-in complete", "count", count)
	}

	var trusted []*net.IPNet
	for _, peer := range cfg.TrustedPeers {
		_, network, err := net.ParseCIDR(peer)
		if err != nil {
			return fmt.Errorf("trusted_peers: %w", err)
		}
		trusted = append(trusted, network)
	}

	router := chi.NewRouter()
	router.Mount("/", admin.Router(queues))
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/api/inject/v1", injectHandler(queues))
	xferServer := &xfer.Server{
		NodeID:       cfg.NodeID,
		TrustedPeers: trusted,
		Queues:       queues,
		Log:          log.Logger{Name: "xfer"},
	}
	xferServer.Attach(router)

	server := &http.Server{Addr: cfg.HTTPListen, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", err)
		}
	}()
	logger.Msg("serving", "listen", cfg.HTTPListen, "hostname", cfg.Hostname)

	maintain := time.NewTicker(time.Minute)
	defer maintain.Stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case <-maintain.C:
			queues.Maintain(c.Context)
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				hooks.RunHooks(hooks.EventLogRotate)
				continue
			case syscall.SIGUSR2:
				hooks.RunHooks(hooks.EventReload)
				snapshot, err := shaping.MergeFiles(c.Context, resolver, cfg.ShapingFiles)
				if err != nil {
					logger.Error("shaping reload failed", err)
					continue
				}
				queues.SetShaping(snapshot)
				logger.Msg("shaping reloaded")
				continue
			}

			logger.Msg("shutting down", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			server.Shutdown(shutdownCtx)
			cancel()

			queues.Shutdown()
			hooks.RunHooks(hooks.EventShutdown)
			lifecycle.WaitForShutdown()
			return nil
		}
	}
}

// injectHandler accepts new messages: a JSON envelope with the sender,
// recipients and RFC 5322 data. A spool write failure rejects the
// injection so the client can retry elsewhere.
func injectHandler(queues *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Sender     string                     `json:"sender"`
			Recipients []string                   `json:"recipients"`
			Data       string                     `json:"data"`
			Meta       map[string]json.RawMessage `json:"meta,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body.Recipients) == 0 {
			http.Error(w, "at least one recipient is required", http.StatusBadRequest)
			return
		}

		msg := message.New(body.Sender, body.Recipients, []byte(body.Data))
		for key, raw := range body.Meta {
			var value interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				http.Error(w, fmt.Sprintf("meta %q: %v", key, err), http.StatusBadRequest)
				return
			}
			if err := msg.SetMeta(key, value); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		if err := msg.Save(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		queueName, _ := msg.QueueName()
		logging.LogDisposition(req.Context(), logging.Disposition{
			Kind:       logging.Reception,
			Msg:        msg,
			Recipient:  body.Recipients[0],
			Recipients: body.Recipients,
			QueueName:  queueName,
			Response:   logging.ResponseFor(nil),
		})

		if err := queues.Insert(req.Context(), msg, "reception"); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": msg.ID().String()})
	}
}

func main() {
	app := &cli.App{
		Name:  "kumod",
		Usage: "high-throughput outbound SMTP message transfer agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the daemon configuration file",
				Value:   "/etc/kumod/kumod.toml",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("startup failed", err)
		os.Exit(1)
	}
}
