package config

import (
	"fmt"
	"net/url"
	"strings"
)

var supportedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"s3":     true,
	"gs":     true,
	"azblob": true,
	"b2":     true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from warnings
// about values that were clamped to a safe range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate checks the config and returns all problems found. Out-of-range
// numbers are clamped in place and reported as warnings; everything else is
// fatal.
func (c *Config) Validate() ValidationResult {
	var r ValidationResult

	if c.ServerURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
	} else if !supportedSchemes[u.Scheme] {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme %q is not supported (use http, https, s3, gs, azblob or b2)", u.Scheme))
	} else if u.Host == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q has no host or bucket", c.ServerURL))
	} else if u.Scheme == "b2" && (c.B2AccountID == "" || c.B2ApplicationKey == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("b2 server_url requires b2_account_id and b2_application_key"))
	}

	if strings.TrimSpace(c.InstallDir) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("install_dir must not be empty"))
	}
	if strings.TrimSpace(c.VersionFile) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("version_file must not be empty"))
	}

	if c.HTTPTimeoutSeconds < 5 {
		r.Warnings = append(r.Warnings, fmt.Errorf("http_timeout_seconds %d is below minimum 5, clamping", c.HTTPTimeoutSeconds))
		c.HTTPTimeoutSeconds = 5
	} else if c.HTTPTimeoutSeconds > 3600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("http_timeout_seconds %d exceeds maximum 3600, clamping", c.HTTPTimeoutSeconds))
		c.HTTPTimeoutSeconds = 3600
	}

	if c.HTTPRetries < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("http_retries %d is negative, clamping", c.HTTPRetries))
		c.HTTPRetries = 0
	} else if c.HTTPRetries > 10 {
		r.Warnings = append(r.Warnings, fmt.Errorf("http_retries %d exceeds maximum 10, clamping", c.HTTPRetries))
		c.HTTPRetries = 10
	}

	if c.MaxBytesPerSecond < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_bytes_per_second %d is negative, disabling the cap", c.MaxBytesPerSecond))
		c.MaxBytesPerSecond = 0
	}

	if c.LockWaitTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("lock_wait_timeout_seconds %d is below minimum 1, clamping", c.LockWaitTimeoutSeconds))
		c.LockWaitTimeoutSeconds = 1
	}

	if c.MinFreeDiskMB < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_free_disk_mb %d is negative, disabling the check", c.MinFreeDiskMB))
		c.MinFreeDiskMB = 0
	}

	if c.LogMaxSizeMB < 1 || c.LogMaxSizeMB > 1024 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_size_mb %d is outside 1..1024, using 10", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 10
	}
	if c.LogMaxBackups < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_backups %d is negative, using 3", c.LogMaxBackups))
		c.LogMaxBackups = 3
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}
