package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validHashAlgorithms = map[string]bool{
	"md5":    true,
	"sha256": true,
	"blake3": true,
}

var validStateBackends = map[string]bool{
	"file":   true,
	"yaml":   true,
	"sqlite": true,
}

// ValidationResult splits problems into fatals, which must stop startup,
// and warnings, which were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// clamp keeps *v within [lo, hi], recording a warning when it moves.
func (r *ValidationResult) clamp(name string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in
// place and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.InstallDir == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("install_dir is required"))
	}

	if c.UpdateURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("update_url is required"))
	} else if u, err := url.Parse(c.UpdateURL); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("update_url %q is not a valid URL: %w", c.UpdateURL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		r.Fatals = append(r.Fatals, fmt.Errorf("update_url scheme must be http or https, got %q", u.Scheme))
	}

	if c.NotifyURL != "" {
		u, err := url.Parse(c.NotifyURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("notify_url %q is not a valid URL: %w", c.NotifyURL, err))
		} else {
			switch u.Scheme {
			case "ws", "wss", "http", "https":
			default:
				r.Fatals = append(r.Fatals, fmt.Errorf("notify_url scheme must be ws, wss, http or https, got %q", u.Scheme))
			}
		}
	}

	for name, secret := range map[string]string{
		"notify_token":         c.NotifyToken,
		"s3.secret_access_key": c.S3.SecretAccessKey,
		"azure.sas_token":      c.Azure.SASToken,
		"b2.application_key":   c.B2.ApplicationKey,
	} {
		if strings.IndexFunc(secret, unicode.IsControl) >= 0 {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s contains control characters", name))
		}
	}

	if !validHashAlgorithms[strings.ToLower(c.HashAlgorithm)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("hash_algorithm %q is not supported (use md5, sha256, blake3)", c.HashAlgorithm))
	}
	if !validStateBackends[strings.ToLower(c.StateBackend)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("state_backend %q is not supported (use file or sqlite)", c.StateBackend))
	}

	if strings.TrimSpace(c.ReleaseStream) == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("release_stream is empty, using stable"))
		c.ReleaseStream = "stable"
	}

	r.clamp("max_concurrent_transfers", &c.MaxConcurrentTransfers, 1, 32)
	r.clamp("transfer_attempts", &c.TransferAttempts, 1, 10)
	r.clamp("retry_delay_ms", &c.RetryDelayMs, 0, 60000)
	r.clamp("stall_timeout_seconds", &c.StallTimeoutSeconds, 5, 600)
	r.clamp("response_timeout_seconds", &c.ResponseTimeoutSeconds, 5, 600)
	r.clamp("move_attempts", &c.MoveAttempts, 1, 50)
	r.clamp("move_budget_ms", &c.MoveBudgetMs, 0, 60000)
	r.clamp("max_replans", &c.MaxReplans, 1, 10)
	r.clamp("check_interval_minutes", &c.CheckIntervalMinutes, 1, 7*24*60)
	r.clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	r.clamp("log_max_backups", &c.LogMaxBackups, 0, 100)

	for i, ext := range c.TrustExtensions {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			r.Warnings = append(r.Warnings, fmt.Errorf("trust_extensions entry %q has no leading dot, using %q", ext, "."+ext))
			c.TrustExtensions[i] = "." + ext
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

// Validate runs ValidateTiered, logs every problem as a warning and returns
// them all.
func (c *Config) Validate() []error {
	errs := c.ValidateTiered().AllErrors()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}
