package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/die-net/waypoint/internal/dialer"
)

// FieldError is a problem with one configuration field.
type FieldError struct {
	// Field is the YAML path, such as "mitm.ca_cert".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid configuration, %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks cfg, reporting every problem at once.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		add("listen", "%v", err)
	}
	if cfg.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsListen); err != nil {
			add("metrics_listen", "%v", err)
		}
	}

	for field, d := range map[string]time.Duration{
		"connect_timeout":     cfg.ConnectTimeout,
		"dial_timeout":        cfg.DialTimeout,
		"idle_timeout":        cfg.IdleTimeout,
		"negotiation_timeout": cfg.NegotiationTimeout,
	} {
		if d < 0 {
			add(field, "must not be negative")
		}
	}

	if cfg.LocalAddress != "" {
		if _, err := netip.ParseAddr(cfg.LocalAddress); err != nil {
			add("local_address", "%v", err)
		}
	}
	if _, err := ParseTCPKeepAlive(cfg.TCPKeepAlive); err != nil {
		add("tcp_keepalive", "%v", err)
	}

	if cfg.MITM.Enabled {
		if cfg.MITM.CACert == "" {
			add("mitm.ca_cert", "required when mitm is enabled")
		}
		if cfg.MITM.CAKey == "" {
			add("mitm.ca_key", "required when mitm is enabled")
		}
	}

	for i, u := range cfg.Upstreams {
		if _, err := dialer.ParseUpstream(u); err != nil {
			add(fmt.Sprintf("upstreams[%d]", i), "%v", err)
		}
	}

	switch cfg.Log.Format {
	case "auto", "console", "json":
	default:
		add("log.format", "must be auto, console or json, not %q", cfg.Log.Format)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
