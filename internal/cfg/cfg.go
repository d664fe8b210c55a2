package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/couponforge-web/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	HTTPPort        int
	AdminPort       int
	TrustedHops     int
	MaxBodyBytes    int64
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	StacktraceLevel string

	// failure-attempt limiters
	LoginMaxAttempts  int
	LoginWindow       time.Duration
	LoginLockout      time.Duration
	SubmitMaxAttempts int
	SubmitWindow      time.Duration
	SubmitLockout     time.Duration
	SweepInterval     time.Duration

	// request-flood limiter
	FloodRate       float64
	FloodBurst      int
	FloodTTL        time.Duration
	FloodMaxClients int

	// operator limit overrides (SSM -> S3)
	EnableLimitOverrides bool
	LimitsSSMParam       string
	LimitsS3Bucket       string
	LimitsSigningKeyARN  string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxy hops for X-Forwarded-For (0 disables)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "request body size cap in bytes")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.IntVar(&c.LoginMaxAttempts, "login-max-attempts", 10, "failed logins per key before lockout (>= 1)")
	fs.DurationVar(&c.LoginWindow, "login-window", 15*time.Minute, "failure counting window for login limiters")
	fs.DurationVar(&c.LoginLockout, "login-lockout", 15*time.Minute, "lockout duration for login limiters")
	fs.IntVar(&c.SubmitMaxAttempts, "submit-max-attempts", 10, "invalid submissions per IP before lockout (>= 1)")
	fs.DurationVar(&c.SubmitWindow, "submit-window", 15*time.Minute, "failure counting window for the submit limiter")
	fs.DurationVar(&c.SubmitLockout, "submit-lockout", 15*time.Minute, "lockout duration for the submit limiter")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "background sweep interval for attempt limiters")

	fs.Float64Var(&c.FloodRate, "flood-rate", 10, "sustained requests per second per IP on submit")
	fs.IntVar(&c.FloodBurst, "flood-burst", 30, "burst allowance per IP on submit")
	fs.DurationVar(&c.FloodTTL, "flood-ttl", 5*time.Minute, "idle eviction TTL for flood limiter entries")
	fs.IntVar(&c.FloodMaxClients, "flood-max-clients", 100000, "max tracked IPs in the flood limiter (0 = unlimited)")

	fs.BoolVar(&c.EnableLimitOverrides, "enable-limit-overrides", false, "Load limiter overrides from S3 at startup")
	fs.StringVar(&c.LimitsSSMParam, "limits-ssm-param", "/app/couponforge-web/server/limits/current", "ssm parameter naming the current overrides document")
	fs.StringVar(&c.LimitsS3Bucket, "limits-s3-bucket", "", "s3 bucket holding the overrides document")
	fs.StringVar(&c.LimitsSigningKeyARN, "limits-signing-key-arn", "", "KMS key ARN for overrides signature verification (empty = unsigned)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Attempt limiters
	if c.LoginMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LOGIN_MAX_ATTEMPTS must be >= 1 (got %d)", c.LoginMaxAttempts))
	}
	if c.LoginWindow <= 0 {
		errs = append(errs, fmt.Errorf("LOGIN_WINDOW must be positive (got %s)", c.LoginWindow))
	}
	if c.LoginLockout <= 0 {
		errs = append(errs, fmt.Errorf("LOGIN_LOCKOUT must be positive (got %s)", c.LoginLockout))
	}
	if c.SubmitMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be >= 1 (got %d)", c.SubmitMaxAttempts))
	}
	if c.SubmitWindow <= 0 {
		errs = append(errs, fmt.Errorf("SUBMIT_WINDOW must be positive (got %s)", c.SubmitWindow))
	}
	if c.SubmitLockout <= 0 {
		errs = append(errs, fmt.Errorf("SUBMIT_LOCKOUT must be positive (got %s)", c.SubmitLockout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive (got %s)", c.SweepInterval))
	}

	// Flood limiter
	if c.FloodRate <= 0 {
		errs = append(errs, fmt.Errorf("FLOOD_RATE must be positive (got %.3f)", c.FloodRate))
	}
	if c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_BURST must be >= 1 (got %d)", c.FloodBurst))
	}
	if c.FloodTTL <= 0 {
		errs = append(errs, fmt.Errorf("FLOOD_TTL must be positive (got %s)", c.FloodTTL))
	}
	if c.FloodMaxClients < 0 {
		errs = append(errs, fmt.Errorf("FLOOD_MAX_CLIENTS must be >= 0 (got %d)", c.FloodMaxClients))
	}

	// Limit overrides
	if c.EnableLimitOverrides {
		if c.LimitsSSMParam == "" {
			errs = append(errs, fmt.Errorf("LIMITS_SSM_PARAM is required when ENABLE_LIMIT_OVERRIDES=true"))
		}
		if c.LimitsS3Bucket == "" {
			errs = append(errs, fmt.Errorf("LIMITS_S3_BUCKET is required when ENABLE_LIMIT_OVERRIDES=true"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
