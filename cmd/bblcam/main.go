package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/OpenPrinting/go-mfp/util/uuid"
	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/bblcam/internal/bbl"
	"github.com/mzyy94/bblcam/internal/config"
	"github.com/mzyy94/bblcam/internal/pool"
	"github.com/mzyy94/bblcam/internal/snapshot"
	"github.com/mzyy94/bblcam/internal/webui"
)

func main() {
	setupLogging(config.ParseLogLevel(os.Getenv("BBLCAM_LOG_LEVEL")))

	cfg, err := config.Load(os.Getenv("BBLCAM_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.SlogLevel())

	if len(cfg.Printers) == 0 {
		slog.Error("no printers configured; set BBLCAM_CONFIG or BBLCAM_PRINTER_SERIAL and BBLCAM_ACCESS_CODE")
		os.Exit(1)
	}
	if cfg.CAFile == "" {
		slog.Error("BBLCAM_CA_FILE (ca_file) is required to verify printer certificates")
		os.Exit(1)
	}
	roots, err := bbl.LoadCAFile(cfg.CAFile)
	if err != nil {
		slog.Error("failed to load printer CA", "path", cfg.CAFile, "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Discover printers without a configured IP
	for i := range cfg.Printers {
		p := &cfg.Printers[i]
		if p.IP != "" {
			continue
		}
		slog.Info("discovering printer...", "printer", p.ID, "serial", p.Serial)
		info, err := bbl.FindPrinter(ctx, bbl.DiscoveryOptions{Serial: p.Serial, Timeout: cfg.DiscoveryTimeout})
		if err != nil {
			slog.Error("printer discovery failed", "printer", p.ID, "err", err)
			os.Exit(1)
		}
		p.IP = info.IP
		if p.Name == "" {
			p.Name = info.Name
		}
		slog.Info("printer discovered", "printer", p.ID, "ip", p.IP, "model", info.Model)
	}

	dialOpts := cfg.DialOptions()
	dialOpts.RootCAs = roots
	svc := snapshot.New(snapshot.Config{
		Dial:            pool.Dialer(dialOpts),
		FrameTTL:        cfg.FrameTTL,
		FirstFrameGrace: cfg.FirstFrameGrace,
		IdleTimeout:     cfg.IdleTimeout,
		CleanupInterval: cfg.CleanupInterval,
	})
	if err := svc.Start(); err != nil {
		slog.Error("failed to start idle sweep", "err", err)
		os.Exit(1)
	}
	defer svc.Shutdown()

	hostname, _ := os.Hostname()
	instanceID := uuid.SHA1(uuid.NameSpaceDNS, "bblcam."+hostname).String()

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: logMiddleware(webui.NewHandler(svc, cfg.Printers, instanceID)),
	}

	// Start mDNS advertisement
	if cfg.Advertise {
		mdnsServer, err := zeroconf.Register(
			cfg.DeviceName,
			"_http._tcp",
			"local.",
			cfg.ListenPort,
			[]string{
				"txtvers=1",
				"path=/api/printers",
				"uuid=" + instanceID,
				"printers=" + strconv.Itoa(len(cfg.Printers)),
			},
			nil,
		)
		if err != nil {
			slog.Error("mDNS registration failed", "err", err)
			os.Exit(1)
		}
		defer mdnsServer.Shutdown()
		slog.Info("mDNS registered", "name", cfg.DeviceName, "service", "_http._tcp")
	}

	// Start HTTP server
	go func() {
		base := "http://" + net.JoinHostPort(bbl.LocalIP(cfg.Printers[0].IP), strconv.Itoa(cfg.ListenPort))
		slog.Info("snapshot API listening", "addr", addr, "instance", instanceID)
		for _, p := range cfg.Printers {
			slog.Info("serving printer camera",
				"printer", p.ID,
				"ip", p.IP,
				"serial", p.Serial,
				"snapshot", base+"/api/printers/"+p.ID+"/snapshot",
			)
		}
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}

	slog.Info("shutdown complete")
}

func setupLogging(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
