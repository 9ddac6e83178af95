package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ssmToEnvMapping maps SSM category/key paths (relative to the environment
// prefix) to the environment variable names the application reads. Every
// entry here corresponds to a parameter the bootstrap inventory writes.
var ssmToEnvMapping = map[string]string{
	"database/url":                          "DATABASE_URL",
	"billing/stripe_secret_key":             "STRIPE_SECRET_KEY",
	"billing/stripe_webhook_secret":         "STRIPE_WEBHOOK_SECRET",
	"billing/stripe_connect_webhook_secret": "STRIPE_CONNECT_WEBHOOK_SECRET",
	"analytics/endpoint":                    "ANALYTICS_ENDPOINT",
	"analytics/write_key":                   "ANALYTICS_WRITE_KEY",
	"ops/api_token":                         "OPS_API_TOKEN",
}

// localDevDefaults are non-secret values appended when exporting for local
// development. They point at the local stack (LocalStack on :4566, the API
// on :8080) and never overlap with the SSM-backed variables above.
var localDevDefaults = map[string]string{
	"APP_ENV":                "local",
	"LOG_LEVEL":              "debug",
	"API_EXTERNAL_URL":       "http://localhost:8080",
	"DASHBOARD_URL":          "http://localhost:3000",
	"AWS_REGION":             "us-east-1",
	"AWS_ENDPOINT_URL":       "http://localhost:4566",
	"ARCHIVE_BUCKET":         "subledger-archive-local",
	"QUEUE_WEBHOOK_JOBS_URL": "http://localhost:4566/000000000000/webhook-jobs",
	"QUEUE_SIDE_EFFECTS_URL": "http://localhost:4566/000000000000/side-effects",
	"QUEUE_DEAD_LETTER_URL":  "http://localhost:4566/000000000000/dead-letter-queue",
}

// envUnsafeChars are characters that require the value to be quoted and
// escaped in a dotenv file.
const envUnsafeChars = " \t'\"#$\\{}`\n"

// formatEnvLine renders a single KEY=value line. Values containing shell
// metacharacters or whitespace are escaped and wrapped in double quotes so
// that dotenv parsers and `source` both read them back intact.
func formatEnvLine(key, value string) string {
	if value != "" && !strings.ContainsAny(value, envUnsafeChars) {
		return key + "=" + value
	}
	escaped := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	).Replace(value)
	return key + `="` + escaped + `"`
}

// ExportEnvConfig holds the inputs for ExportEnvFile.
type ExportEnvConfig struct {
	// OutputPath is the file to write. Parent directories are created
	// as needed.
	OutputPath string

	// Environment is the environment whose parameters are exported
	// (dev, staging, prod).
	Environment string

	// SSM reads the parameter values.
	SSM *SSMManager

	// Stderr receives progress output.
	Stderr io.Writer

	// IncludeLocalDefaults appends the local development defaults section
	// after the SSM-backed variables.
	IncludeLocalDefaults bool
}

// ExportEnvFile reads every bootstrap-managed parameter from SSM and writes
// them to a dotenv file. Parameters that cannot be read (not yet written,
// or skipped during bootstrap) are listed in a comment block instead of
// failing the export, but if nothing at all can be read the export errors.
//
// The file is written with mode 0600 because it contains decrypted secrets.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.OutputPath == "" {
		return fmt.Errorf("export env: output path must not be empty")
	}
	if cfg.SSM == nil {
		return fmt.Errorf("export env: SSM manager must not be nil")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	// Stable iteration order: sort by the environment variable name so the
	// exported file reads alphabetically.
	type envEntry struct {
		envVar string
		ssmKey string
	}
	entries := make([]envEntry, 0, len(ssmToEnvMapping))
	for ssmKey, envVar := range ssmToEnvMapping {
		entries = append(entries, envEntry{envVar: envVar, ssmKey: ssmKey})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].envVar < entries[j].envVar })

	var lines []string
	var missing []string

	for _, e := range entries {
		path := cfg.SSM.SSMPath(e.ssmKey)
		value, err := cfg.SSM.GetParameterValue(ctx, path, true)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", e.envVar, path))
			continue
		}
		lines = append(lines, formatEnvLine(e.envVar, value))
	}

	if len(lines) == 0 {
		return fmt.Errorf("export env: no parameters could be read from SSM for environment %q", cfg.Environment)
	}

	var b strings.Builder
	b.WriteString("# Auto-generated by bootstrap --export-env\n")
	fmt.Fprintf(&b, "# Environment: %s\n", cfg.Environment)
	fmt.Fprintf(&b, "# Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("#\n")
	b.WriteString("# SECURITY WARNING: this file contains decrypted secrets.\n")
	b.WriteString("# Do not commit it and do not copy it off this machine.\n")
	b.WriteString("\n")

	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(missing) > 0 {
		b.WriteString("\n")
		b.WriteString("# The following parameters could not be read from SSM.\n")
		b.WriteString("# Run bootstrap for this environment to populate them:\n")
		for _, m := range missing {
			fmt.Fprintf(&b, "#   %s\n", m)
		}
	}

	if cfg.IncludeLocalDefaults {
		b.WriteString("\n")
		b.WriteString("# Local Development Defaults\n")
		defaults := make([]string, 0, len(localDevDefaults))
		for key := range localDevDefaults {
			defaults = append(defaults, key)
		}
		sort.Strings(defaults)
		for _, key := range defaults {
			b.WriteString(formatEnvLine(key, localDevDefaults[key]))
			b.WriteString("\n")
		}
	}

	if dir := filepath.Dir(cfg.OutputPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("export env: creating directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(cfg.OutputPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("export env: writing %s: %w", cfg.OutputPath, err)
	}

	fmt.Fprintf(cfg.Stderr, "\n")
	fmt.Fprintf(cfg.Stderr, "  Environment file exported: %s\n", cfg.OutputPath)
	fmt.Fprintf(cfg.Stderr, "  Parameters written: %d\n", len(lines))
	if len(missing) > 0 {
		fmt.Fprintf(cfg.Stderr, "  Parameters missing: %d (listed as comments in the file)\n", len(missing))
	}
	fmt.Fprintf(cfg.Stderr, "  File mode is 0600; keep it out of version control.\n")
	fmt.Fprintf(cfg.Stderr, "\n")
	return nil
}
