package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/couponforge-web/internal/attempt"
	"github.com/keithlinneman/couponforge-web/internal/cfg"
	"github.com/keithlinneman/couponforge-web/internal/couponhttp"
	"github.com/keithlinneman/couponforge-web/internal/cryptoutil"
	"github.com/keithlinneman/couponforge-web/internal/httpmw"
	"github.com/keithlinneman/couponforge-web/internal/httpserver"
	"github.com/keithlinneman/couponforge-web/internal/limits"
	"github.com/keithlinneman/couponforge-web/internal/log"
	"github.com/keithlinneman/couponforge-web/internal/metrics"
	"github.com/keithlinneman/couponforge-web/internal/opshttp"
	"github.com/keithlinneman/couponforge-web/internal/otelx"
	"github.com/keithlinneman/couponforge-web/internal/probe"
	"github.com/keithlinneman/couponforge-web/internal/prof"
	"github.com/keithlinneman/couponforge-web/internal/ratelimit"
	v "github.com/keithlinneman/couponforge-web/internal/version"
)

const appName = "couponforge-web"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix CFORGE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "CFORGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:        appName,
		Version:    vi.Version,
		Commit:     vi.Commit,
		Level:      lvl,
		JsonFormat: conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_limit_overrides", conf.EnableLimitOverrides,
		"login_max_attempts", conf.LoginMaxAttempts,
		"login_window", conf.LoginWindow,
		"login_lockout", conf.LoginLockout,
		"submit_max_attempts", conf.SubmitMaxAttempts,
		"sweep_interval", conf.SweepInterval,
		"flood_rate", conf.FloodRate,
		"flood_burst", conf.FloodBurst,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// Limiter thresholds: compiled defaults, then flags/env, then the
	// operator overrides document when enabled.
	loginCfg := attempt.Config{
		MaxAttempts:   conf.LoginMaxAttempts,
		Window:        conf.LoginWindow,
		Lockout:       conf.LoginLockout,
		SweepInterval: conf.SweepInterval,
	}
	submitCfg := attempt.Config{
		MaxAttempts:   conf.SubmitMaxAttempts,
		Window:        conf.SubmitWindow,
		Lockout:       conf.SubmitLockout,
		SweepInterval: conf.SweepInterval,
	}

	loginIPCfg, loginEmailCfg := loginCfg, loginCfg
	m.SetOverridesSource("defaults")
	if conf.EnableLimitOverrides {
		doc := loadOverrides(ctx, L, m, conf)
		if doc != nil {
			loginIPCfg = doc.Apply(couponhttp.LimiterLoginIP, loginIPCfg)
			loginEmailCfg = doc.Apply(couponhttp.LimiterLoginEmail, loginEmailCfg)
			submitCfg = doc.Apply(couponhttp.LimiterSubmit, submitCfg)
		}
	}

	loginIPLimiter := newLimiter(ctx, L, m, couponhttp.LimiterLoginIP, loginIPCfg)
	loginEmailLimiter := newLimiter(ctx, L, m, couponhttp.LimiterLoginEmail, loginEmailCfg)
	submitLimiter := newLimiter(ctx, L, m, couponhttp.LimiterSubmit, submitCfg)

	stopSweeps := []func(){
		loginIPLimiter.StartSweep(ctx),
		loginEmailLimiter.StartSweep(ctx),
		submitLimiter.StartSweep(ctx),
	}
	defer func() {
		for _, s := range stopSweeps {
			s()
		}
	}()

	// Request-flood limiter in front of the submit endpoint
	flood := ratelimit.New(ctx,
		ratelimit.WithRate(conf.FloodRate, conf.FloodBurst),
		ratelimit.WithTTL(conf.FloodTTL),
		ratelimit.WithMaxClients(conf.FloodMaxClients),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied("flood")
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood limit triggered", "client.address", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "flood limiter capacity reached, rejecting new clients until some are evicted")
		}),
	)

	login := &couponhttp.LoginHandler{
		Checker:       couponhttp.NewStaticChecker(parsePairs(os.Getenv("CFORGE_DEV_ACCOUNTS"))),
		IPLimiter:     loginIPLimiter,
		EmailLimiter:  loginEmailLimiter,
		OnOutcome:     m.IncLoginAttempt,
		OnRateLimited: m.IncRateLimitDenied,
	}
	submit := &couponhttp.SubmitHandler{
		Promos:        couponhttp.NewStaticPromos(parsePairs(os.Getenv("CFORGE_PROMOS"))),
		Limiter:       submitLimiter,
		OnRateLimited: m.IncRateLimitDenied,
		OnIssued:      m.IncCouponIssued,
	}

	// setup toggle for server shutdown
	var gate probe.ShutdownGate
	readiness := probe.Multi(gate.Probe())

	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		APIRoutes: func(r chi.Router) {
			r.Post("/login", login.ServeHTTP)
			r.With(flood.Middleware).Post("/t/{tenant}/submit", submit.ServeHTTP)
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// admin/ops listener for metrics, health checks, pprof
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      probe.Static(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections before closing listeners
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, sleeping for in-flight and load balancer drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	for _, s := range stopSweeps {
		s()
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// newLimiter builds an attempt limiter with its hooks wired to logging
// and prometheus.
func newLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, name string, cfg attempt.Config) *attempt.Limiter {
	l, err := attempt.New(cfg)
	if err != nil {
		L.Error(ctx, err, "invalid limiter config", "limiter", name)
		os.Exit(1)
	}
	l.OnLockout = func(key string) {
		m.IncLockout(name)
		L.Warn(ctx, "lockout engaged", "limiter", name, "key", key)
	}
	l.OnDenied = func(key string) {
		m.IncAttemptDenied(name)
	}
	l.OnSweep = func(removed, remaining int) {
		m.ObserveSweep(name, removed, remaining)
		L.Debug(ctx, "limiter sweep", "limiter", name, "removed", removed, "remaining", remaining)
	}
	L.Info(ctx, "limiter configured",
		"limiter", name,
		"max_attempts", cfg.MaxAttempts,
		"window", cfg.Window,
		"lockout", cfg.Lockout,
		"sweep_interval", cfg.SweepInterval,
	)
	return l
}

// loadOverrides fetches the operator overrides document. Best effort:
// failures are logged and counted but never block startup.
func loadOverrides(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App) *limits.Document {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config, keeping default limits")
		m.IncOverridesError("aws_config")
		return nil
	}

	var verifier limits.Verifier
	if conf.LimitsSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.LimitsSigningKeyARN)
	}

	loader, err := limits.NewLoader(ctx, limits.LoaderOptions{
		Logger:    L,
		SSMParam:  conf.LimitsSSMParam,
		S3Bucket:  conf.LimitsS3Bucket,
		Verifier:  verifier,
		AWSConfig: &awsCfg,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create limits loader, keeping default limits")
		m.IncOverridesError("loader")
		return nil
	}

	doc, err := loader.Load(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load limit overrides, keeping default limits")
		m.IncOverridesError("load")
		return nil
	}

	m.IncOverridesLoad()
	m.SetOverridesLoadedTimestamp(time.Now())
	m.SetOverridesSource("s3")
	return doc
}

// parsePairs decodes "a:1,b:2" into a map. Used for the dev-only static
// account and promotion tables.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
