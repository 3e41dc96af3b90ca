package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/wadahiro/iesgate/internal/auth"
	"github.com/wadahiro/iesgate/internal/config"
	"github.com/wadahiro/iesgate/internal/devproxy"
)

func main() {
	var (
		configPath  string
		healthcheck bool
	)
	flags := pflag.NewFlagSet("iesgate", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to the TOML config file (default $CONFIG_FILE)")
	flags.BoolVar(&healthcheck, "healthcheck", false, "probe /healthz and exit with its result")
	_ = flags.Parse(os.Args[1:])

	if healthcheck {
		os.Exit(runHealthcheck())
	}

	if configPath == "" {
		slog.Error("--config or the CONFIG_FILE environment variable is required")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer closeLog()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		slog.Warn("TLS certificate verification is disabled")
	}
	httpClient := auth.WrapClient(&http.Client{Transport: transport})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoints, err := auth.ResolveEndpoints(ctx, cfg.Auth, httpClient)
	if err != nil {
		slog.Error("Failed to resolve identity provider endpoints", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := auth.NewMetrics(reg)

	router := auth.Router{
		IdPOrigin:   cfg.Auth.IdPOrigin,
		ProxyPrefix: cfg.DevProxy.PathPrefix,
	}
	// Without the proxy mounted there is nothing to route local hosts to.
	if cfg.DevProxy.Enabled {
		router.LocalHosts = cfg.DevProxy.LocalHosts
	}

	client := auth.NewClient(cfg.Auth, router, endpoints, httpClient, metrics)
	tabs := auth.NewTabStore()
	go tabs.Run(ctx, cfg.TabIdleTimeout, time.Minute)

	mux := http.NewServeMux()
	auth.NewHandler(client, tabs).RegisterRoutes(mux)

	if cfg.DevProxy.Enabled {
		proxy, err := devproxy.New(cfg.DevProxy, cfg.Auth.IdPOrigin, transport, reg, auth.TabCookie)
		if err != nil {
			slog.Error("Failed to initialize dev proxy", "error", err)
			os.Exit(1)
		}
		proxy.Mount(mux)
	}

	mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	slog.Info("Identity provider configured",
		"idp_origin", cfg.Auth.IdPOrigin,
		"client_id", cfg.Auth.ClientID,
		"callback_path", cfg.Auth.CallbackPath,
		"dev_proxy", cfg.DevProxy.Enabled,
	)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      requestLogger(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Auth.ExchangeTimeout + 20*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSSelfSigned {
			tlsCert, certErr := generateSelfSignedTLSCert(cfg.DevProxy.LocalHosts)
			if certErr != nil {
				slog.Error("Failed to generate self-signed TLS certificate", "error", certErr)
				os.Exit(1)
			}
			server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{tlsCert}}
			slog.Info("Listening (TLS, self-signed)", "addr", cfg.ListenAddr)
			err = server.ListenAndServeTLS("", "")
		} else if cfg.TLSEnabled() {
			slog.Info("Listening (TLS)", "addr", cfg.ListenAddr)
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			slog.Info("Listening", "addr", cfg.ListenAddr)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func runHealthcheck() int {
	healthURL := os.Getenv("HEALTHCHECK_URL")
	if healthURL == "" {
		healthURL = "http://localhost:3000/healthz"
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// generateSelfSignedTLSCert issues a throwaway certificate valid for hosts,
// which may mix DNS names and IP literals.
func generateSelfSignedTLSCert(hosts []string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "iesgate development"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
