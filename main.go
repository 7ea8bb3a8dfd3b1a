package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// Global debug flag
var DebugMode bool

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// httpLogger writes one Apache combined log line per request
func httpLogger(logFile io.Writer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		userAgent := r.Header.Get("User-Agent")
		if userAgent == "" {
			userAgent = "-"
		}
		referer := r.Referer()
		if referer == "" {
			referer = "-"
		}

		// The connection is hijacked on upgrade, so log before handing over
		if r.Header.Get("Upgrade") == "websocket" {
			logLine := fmt.Sprintf("%s - - [%s] \"%s %s %s\" 101 - \"%s\" \"%s\" 0.000ms\n",
				getClientIP(r),
				start.Format("02/Jan/2006:15:04:05 -0700"),
				r.Method,
				r.RequestURI,
				r.Proto,
				referer,
				userAgent,
			)
			if _, err := io.WriteString(logFile, logLine); err != nil {
				log.Printf("Error writing to access log: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		logLine := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\" %.3fms\n",
			getClientIP(r),
			start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method,
			r.RequestURI,
			r.Proto,
			wrapped.statusCode,
			wrapped.written,
			referer,
			userAgent,
			float64(time.Since(start).Microseconds())/1000.0,
		)
		if _, err := io.WriteString(logFile, logLine); err != nil {
			log.Printf("Error writing to access log: %v", err)
		}
	})
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP returns the first X-Forwarded-For address, or the peer address
func getClientIP(r *http.Request) string {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP = strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}

	return clientIP
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// metricsHandler serves the registry to allowed hosts only
func metricsHandler(config *Config, g prometheus.Gatherer) http.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		if !config.Prometheus.IsIPAllowed(clientIP) {
			w.WriteHeader(http.StatusForbidden)
			if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
				log.Printf("Error writing forbidden response: %v", err)
			}
			log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// App holds the wired components of one running instance
type App struct {
	config   *Config
	registry *prometheus.Registry
	metrics  *PrometheusMetrics
	receiver *Receiver
	streamer *Streamer
	power    PowerSwitch
	limiter  *IPRateLimiter
}

// NewApp wires the receiver, stream and telemetry around driver
func NewApp(config *Config, driver Driver) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := NewPrometheusMetrics(registry, registry)

	receiver := NewReceiver(driver, config.Receiver, metrics)
	buffer := NewStreamBuffer(config.Stream.Capacity, metrics)
	return &App{
		config:   config,
		registry: registry,
		metrics:  metrics,
		receiver: receiver,
		streamer: NewStreamer(buffer, config.Stream.PacingConfig(), metrics, receiver.Acquiring),
		power:    NewPowerSwitch(config.Power),
		limiter:  NewIPRateLimiter(config.Server.RateLimit),
	}
}

// Router builds the HTTP routes
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(func(next http.Handler) http.Handler {
		return rateLimitMiddleware(a.limiter, next)
	})

	router.HandleFunc("/health", handleHealth).Methods("GET")
	if a.config.Prometheus.Enabled {
		router.HandleFunc("/metrics", metricsHandler(a.config, a.registry)).Methods("GET")
	}

	ws := NewStreamWebSocketHandler(a.receiver, a.streamer, a.power, a.metrics)
	router.HandleFunc("/ws/stream", a.limiter.limitConnections(ws.HandleWebSocket))

	NewAPIServer(a.receiver, a.streamer).RegisterRoutes(router)

	if a.config.MCP.Enabled {
		mcpServer := NewMCPServer(a.receiver, a.streamer)
		router.PathPrefix("/mcp").HandlerFunc(mcpServer.HandleMCP)
		log.Printf("MCP server enabled at /mcp")
	}

	if a.config.Server.StaticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(a.config.Server.StaticDir)))
	}
	return router
}

// Shutdown stops acquisition and releases the device
func (a *App) Shutdown() {
	a.streamer.Detach()
	if err := a.receiver.Close(); err != nil {
		log.Printf("Error closing receiver: %v", err)
	}
	a.streamer.Buffer().Clear()
	if err := a.power.SetPower(false); err != nil {
		log.Printf("Warning: failed to power off receiver: %v", err)
	}
}

func main() {
	var (
		configFile = pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
		listen     = pflag.StringP("listen", "l", "", "Listen address (overrides server.listen)")
		debug      = pflag.BoolP("debug", "d", false, "Enable debug logging")
	)
	pflag.Parse()

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *listen != "" {
		config.Server.Listen = *listen
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Environment variable takes precedence over flag and config
	DebugMode = *debug || config.Logging.Level == "debug"
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	driver, err := newDriver(config.Receiver)
	if err != nil {
		log.Fatalf("Failed to create %s driver: %v", config.Receiver.Backend, err)
	}
	log.Printf("Receiver backend: %s, %d device(s) present", config.Receiver.Backend, driver.DeviceCount())

	app := NewApp(config, driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.metrics.StartResourceUpdater(ctx, 10*time.Second)
	app.limiter.StartCleanup(ctx)
	if config.Prometheus.Pushgateway.Enabled {
		app.metrics.StartPushgatewayWorker(ctx, config)
	}

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT, app.receiver, app.metrics.Gatherer())
		if err != nil {
			log.Printf("Warning: MQTT publisher disabled: %v", err)
		} else {
			publisher.Start(ctx)
		}
	}

	var logFile io.Writer = io.Discard
	if config.Server.LogFileEnabled {
		f, err := os.OpenFile(config.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logFile = f
		log.Printf("HTTP request logging to %s", config.Server.LogFile)
	}

	var handler http.Handler = app.Router()
	handler = corsMiddleware(config, handler)
	handler = httpLogger(logFile, handler)

	server := &http.Server{
		Addr:    config.Server.Listen,
		Handler: handler,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		app.Shutdown()

		if err := server.Close(); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}()

	log.Printf("Server listening on %s", config.Server.Listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
