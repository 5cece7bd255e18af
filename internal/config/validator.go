package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

func ValidLogFormats() []string {
	return []string{"text", "json"}
}

func ValidRemoteSchemes() []string {
	return []string{"http", "https", "ws", "wss", "memory", "mem", "dir", "file"}
}

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Local.DSN) == "" {
		errs = append(errs, ValidationError{Field: "local.dsn", Value: c.Local.DSN, Message: "must not be empty"})
	}
	if c.Local.QuotaBytes < 0 {
		errs = append(errs, ValidationError{Field: "local.quota_bytes", Value: c.Local.QuotaBytes, Message: "must be zero (unlimited) or positive"})
	}

	if u, err := url.Parse(strings.TrimSpace(c.Remote.DSN)); err != nil || !slices.Contains(ValidRemoteSchemes(), strings.ToLower(u.Scheme)) {
		errs = append(errs, ValidationError{
			Field:   "remote.dsn",
			Value:   c.Remote.DSN,
			Message: fmt.Sprintf("scheme must be one of %s", strings.Join(ValidRemoteSchemes(), ", ")),
		})
	}
	if c.Remote.PollInterval <= 0 {
		errs = append(errs, ValidationError{Field: "remote.poll_interval", Value: c.Remote.PollInterval, Message: "must be positive"})
	}
	if c.Remote.PollJitter < 0 || c.Remote.PollJitter > 1 {
		errs = append(errs, ValidationError{Field: "remote.poll_jitter", Value: c.Remote.PollJitter, Message: "must be between 0 and 1"})
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "remote.timeout", Value: c.Remote.Timeout, Message: "must be positive"})
	}

	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "sync.max_attempts", Value: c.Sync.MaxAttempts, Message: "must be at least 1"})
	}
	if c.Sync.InitialDelay < 0 {
		errs = append(errs, ValidationError{Field: "sync.initial_delay", Value: c.Sync.InitialDelay, Message: "must not be negative"})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Log.Format)) {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: fmt.Sprintf("must be one of %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Value: c.Server.MaxBodyBytes, Message: "must be positive"})
	}
	return errs
}

// ValidateServer adds the checks that only matter when serving.
func (c *Config) ValidateServer() []ValidationError {
	errs := c.Validate()
	if strings.TrimSpace(c.Server.JWTSecret) == "" {
		errs = append(errs, ValidationError{Field: "server.jwt_secret", Value: "", Message: "is required to verify bearer tokens"})
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Value: c.Server.Addr, Message: "must not be empty"})
	}
	if c.Server.RateLimitMax < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_max", Value: c.Server.RateLimitMax, Message: "must not be negative"})
	}
	return errs
}
