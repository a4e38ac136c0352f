package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/stun"
)

// fileConfig is the layout of the -config file.
type fileConfig struct {
	Session     holepunch.Config `yaml:"session"`
	STUNServers []string         `yaml:"stun_servers"`
	Token       string           `yaml:"token"`
	Platform    string           `yaml:"platform"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Session:  holepunch.DefaultConfig(),
		Platform: "PS5",
	}
}

// options are the flags every command shares.
type options struct {
	configPath  string
	verbose     bool
	metricsAddr string
	token       string
	stunServers string
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&o.verbose, "v", false, "Enable development logging")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&o.token, "token", "", "OAuth access token (overrides RENDEZVOUS_TOKEN)")
	fs.StringVar(&o.stunServers, "stun", "", "Comma separated STUN servers (overrides STUN_SERVER)")
}

// load builds the configuration: file, then environment, then flags.
func (o *options) load() (fileConfig, error) {
	cfg := defaultFileConfig()
	if o.configPath != "" {
		b, err := os.ReadFile(o.configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", o.configPath, err)
		}
	}

	if v := os.Getenv("STUN_SERVER"); v != "" {
		cfg.STUNServers = splitList(v)
	}
	if v := os.Getenv("RENDEZVOUS_TOKEN"); v != "" {
		cfg.Token = v
	}
	if o.stunServers != "" {
		cfg.STUNServers = splitList(o.stunServers)
	}
	if o.token != "" {
		cfg.Token = o.token
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}

	cfg.Session.Signaling.Token = cfg.Token
	if len(cfg.STUNServers) > 0 {
		servers := make([]stun.Server, 0, len(cfg.STUNServers))
		for _, s := range cfg.STUNServers {
			srv, err := stun.ParseServer(s)
			if err != nil {
				return cfg, fmt.Errorf("stun server %q: %w", s, err)
			}
			servers = append(servers, srv)
		}
		stunCfg := *cfg.Session.Gather.STUN
		stunCfg.Servers = servers
		cfg.Session.Gather.STUN = &stunCfg
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger. The returned function
// flushes the logger.
func (o *options) setup() (fileConfig, *zap.Logger, func(), error) {
	cfg, err := o.load()
	if err != nil {
		return cfg, nil, nil, err
	}
	logger, err := newLogger(o.verbose)
	if err != nil {
		return cfg, nil, nil, err
	}
	cfg.Session.Logger = logger
	cfg.Session.Gather.Logger = logger

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, logger)
	}
	return cfg, logger, func() { logger.Sync() }, nil
}

func (c fileConfig) requireToken() error {
	if c.Token == "" {
		return errors.New("no access token: set RENDEZVOUS_TOKEN, -token or token in the config file")
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
