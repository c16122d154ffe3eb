package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/risk"
	"sessiontrust/internal/service"

	"github.com/joho/godotenv"
)

type JWTConfig struct {
	Secret          []byte
	Issuer          string
	AccessTokenTTL  time.Duration
	ChallengeSecret []byte
}

type AlertConfig struct {
	QueueSize int
	Timeout   time.Duration
	// MinLogSeverity is the lowest severity written to the log sink.
	MinLogSeverity entity.Severity

	Webhook    service.WebhookConfig
	MinWebhook entity.Severity
	ResendKey  string
	EmailFrom  string
	EmailTo    []string
	MinEmail   entity.Severity
}

type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	JWT       JWTConfig
	Risk      risk.Config
	Profile   risk.ProfileConfig
	Ledger    service.LedgerConfig
	Registry  service.RegistryConfig
	Monitor   service.MonitorConfig
	Challenge service.ChallengeConfig
	Retry     service.RetryPolicy
	MFAIssuer string
	Alerts    AlertConfig
}

// Load reads .env when present and then the process environment. Every value
// has a default except JWT_SECRET.
func Load() (Config, error) {
	_ = godotenv.Load()

	riskDefaults := risk.DefaultConfig()
	profileDefaults := risk.DefaultProfileConfig()
	ledgerDefaults := service.DefaultLedgerConfig()
	registryDefaults := service.DefaultRegistryConfig()
	monitorDefaults := service.DefaultMonitorConfig()
	challengeDefaults := service.DefaultChallengeConfig()
	retryDefaults := service.DefaultRetryPolicy()

	cfg := Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		JWT: JWTConfig{
			Secret:          []byte(getEnv("JWT_SECRET", "")),
			Issuer:          getEnv("JWT_ISSUER", ""),
			AccessTokenTTL:  getEnvAsDuration("JWT_ACCESS_TTL", 15*time.Minute),
			ChallengeSecret: []byte(getEnv("MFA_JWT_SECRET", getEnv("JWT_SECRET", ""))),
		},
		Risk: risk.Config{
			Weights: risk.Weights{
				Hour:     getEnvAsFloat("RISK_WEIGHT_HOUR", riskDefaults.Weights.Hour),
				Weekday:  getEnvAsFloat("RISK_WEIGHT_WEEKDAY", riskDefaults.Weights.Weekday),
				Location: getEnvAsFloat("RISK_WEIGHT_LOCATION", riskDefaults.Weights.Location),
				Country:  getEnvAsFloat("RISK_WEIGHT_COUNTRY", riskDefaults.Weights.Country),
				Device:   getEnvAsFloat("RISK_WEIGHT_DEVICE", riskDefaults.Weights.Device),
				Burst:    getEnvAsFloat("RISK_WEIGHT_BURST", riskDefaults.Weights.Burst),
				Endpoint: getEnvAsFloat("RISK_WEIGHT_ENDPOINT", riskDefaults.Weights.Endpoint),
			},
			HourTolerance:       getEnvAsInt("RISK_HOUR_TOLERANCE", riskDefaults.HourTolerance),
			TrustedThreshold:    getEnvAsFloat("RISK_TRUSTED_THRESHOLD", riskDefaults.TrustedThreshold),
			BurstLimit:          getEnvAsInt("RISK_BURST_LIMIT", riskDefaults.BurstLimit),
			BurstWindow:         getEnvAsDuration("RISK_BURST_WINDOW", riskDefaults.BurstWindow),
			EndpointDivergence:  getEnvAsFloat("RISK_ENDPOINT_DIVERGENCE", riskDefaults.EndpointDivergence),
			MinEndpointRequests: getEnvAsInt("RISK_MIN_ENDPOINT_REQUESTS", riskDefaults.MinEndpointRequests),
			ChallengeThreshold:  getEnvAsFloat("RISK_CHALLENGE_THRESHOLD", riskDefaults.ChallengeThreshold),
			BlockThreshold:      getEnvAsFloat("RISK_BLOCK_THRESHOLD", riskDefaults.BlockThreshold),
			MinSamples:          getEnvAsInt("RISK_MIN_SAMPLES", riskDefaults.MinSamples),
		},
		Profile: risk.ProfileConfig{
			Smoothing: getEnvAsFloat("BASELINE_SMOOTHING", profileDefaults.Smoothing),
			Presence:  getEnvAsFloat("BASELINE_PRESENCE", profileDefaults.Presence),
		},
		Ledger: service.LedgerConfig{
			TrustAfter:  getEnvAsInt("DEVICE_TRUST_AFTER", ledgerDefaults.TrustAfter),
			HalfLife:    getEnvAsDuration("DEVICE_TRUST_HALF_LIFE", ledgerDefaults.HalfLife),
			Neutral:     ledgerDefaults.Neutral,
			LowRiskStep: getEnvAsFloat("DEVICE_LOW_RISK_STEP", ledgerDefaults.LowRiskStep),
			ConfirmStep: getEnvAsFloat("DEVICE_CONFIRM_STEP", ledgerDefaults.ConfirmStep),
			RiskPenalty: getEnvAsFloat("DEVICE_RISK_PENALTY", ledgerDefaults.RiskPenalty),
		},
		Registry: service.RegistryConfig{
			ActivityTimeout: getEnvAsDuration("SESSION_ACTIVITY_TIMEOUT", registryDefaults.ActivityTimeout),
			Travel: risk.TravelPolicy{
				MinDistanceKm: getEnvAsFloat("TRAVEL_MIN_DISTANCE_KM", registryDefaults.Travel.MinDistanceKm),
				MaxSpeedKmh:   getEnvAsFloat("TRAVEL_MAX_SPEED_KMH", registryDefaults.Travel.MaxSpeedKmh),
			},
			BlockOnImpossibleTravel: getEnvAsBool("BLOCK_ON_IMPOSSIBLE_TRAVEL", false),
			LowRiskBelow:            getEnvAsFloat("SESSION_LOW_RISK_BELOW", registryDefaults.LowRiskBelow),
		},
		Monitor: service.MonitorConfig{
			Interval:         getEnvAsDuration("MONITOR_INTERVAL", monitorDefaults.Interval),
			GlobalBurstLimit: getEnvAsInt("MONITOR_GLOBAL_BURST_LIMIT", monitorDefaults.GlobalBurstLimit),
			IPUserLimit:      getEnvAsInt("MONITOR_IP_USER_LIMIT", monitorDefaults.IPUserLimit),
			BurstCooldown:    getEnvAsDuration("MONITOR_BURST_COOLDOWN", monitorDefaults.BurstCooldown),
			BatchSize:        getEnvAsInt("MONITOR_BATCH_SIZE", monitorDefaults.BatchSize),
		},
		Challenge: service.ChallengeConfig{
			TTL:         getEnvAsDuration("MFA_CHALLENGE_TTL", challengeDefaults.TTL),
			MaxAttempts: getEnvAsInt("MFA_MAX_ATTEMPTS", challengeDefaults.MaxAttempts),
			CodeDigits:  getEnvAsInt("MFA_CODE_DIGITS", challengeDefaults.CodeDigits),
			Retention:   getEnvAsDuration("MFA_CHALLENGE_RETENTION", challengeDefaults.Retention),
		},
		Retry: service.RetryPolicy{
			Attempts:  getEnvAsInt("CONFLICT_RETRY_ATTEMPTS", retryDefaults.Attempts),
			BaseDelay: getEnvAsDuration("CONFLICT_RETRY_DELAY", retryDefaults.BaseDelay),
		},
		MFAIssuer: getEnv("MFA_ISSUER", getEnv("JWT_ISSUER", "")),
		Alerts: AlertConfig{
			QueueSize:      getEnvAsInt("ALERT_QUEUE_SIZE", 256),
			Timeout:        getEnvAsDuration("ALERT_TIMEOUT", 10*time.Second),
			MinLogSeverity: entity.Severity(getEnv("ALERT_LOG_MIN_SEVERITY", string(entity.SeverityLow))),
			Webhook: service.WebhookConfig{
				URL:              getEnv("ALERT_WEBHOOK_URL", ""),
				Headers:          parseHeaders(getEnv("ALERT_WEBHOOK_HEADERS", "")),
				Timeout:          getEnvAsDuration("ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
				FailureThreshold: uint32(getEnvAsInt("ALERT_WEBHOOK_FAILURES", 5)),
				OpenTimeout:      getEnvAsDuration("ALERT_WEBHOOK_OPEN_TIMEOUT", time.Minute),
			},
			MinWebhook: entity.Severity(getEnv("ALERT_WEBHOOK_MIN_SEVERITY", string(entity.SeverityMedium))),
			ResendKey:  getEnv("RESEND_API_KEY", ""),
			EmailFrom:  getEnv("ALERT_EMAIL_FROM", ""),
			EmailTo:    splitList(getEnv("ALERT_EMAIL_TO", "")),
			MinEmail:   entity.Severity(getEnv("ALERT_EMAIL_MIN_SEVERITY", string(entity.SeverityHigh))),
		},
	}
	// Unset monitor window follows the scorer's burst window.
	cfg.Monitor.BurstWindow = getEnvAsDuration("MONITOR_BURST_WINDOW", cfg.Risk.BurstWindow)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if len(c.JWT.Secret) == 0 {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Risk.ChallengeThreshold <= 0 || c.Risk.ChallengeThreshold > c.Risk.BlockThreshold {
		errs = append(errs, errors.New("RISK_CHALLENGE_THRESHOLD must be positive and not above RISK_BLOCK_THRESHOLD"))
	}
	if c.Risk.BurstWindow <= 0 {
		errs = append(errs, errors.New("RISK_BURST_WINDOW must be positive"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("MONITOR_INTERVAL must be positive"))
	}
	if c.Challenge.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MFA_MAX_ATTEMPTS must be positive"))
	}
	if c.Profile.Smoothing <= 0 || c.Profile.Smoothing > 1 {
		errs = append(errs, errors.New("BASELINE_SMOOTHING must be in (0, 1]"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseHeaders reads "Name: value" pairs separated by semicolons.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers
}
