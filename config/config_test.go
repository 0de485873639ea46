package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/gridline/imagevault/internal/domain/model"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - http",
			input: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
			expectError: false,
		},
		{
			name:  "single service - image-runner",
			input: "image-runner",
			expected: map[ServiceMode]bool{
				ServiceModeImageRunner: true,
			},
			expectError: false,
		},
		{
			name:  "single service - reaper",
			input: "reaper",
			expected: map[ServiceMode]bool{
				ServiceModeReaper: true,
			},
			expectError: false,
		},
		{
			name:  "multiple services - http and image-runner",
			input: "http,image-runner",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:        true,
				ServiceModeImageRunner: true,
			},
			expectError: false,
		},
		{
			name:  "all services",
			input: "http,image-runner,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:        true,
				ServiceModeImageRunner: true,
				ServiceModeReaper:      true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " http , image-runner , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:        true,
				ServiceModeImageRunner: true,
				ServiceModeReaper:      true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "http,http,image-runner",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:        true,
				ServiceModeImageRunner: true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "http,invalid-service",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "mixed valid and invalid",
			input:       "http,image-runner,invalid",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_GetEnabledServices(t *testing.T) {
	tests := []struct {
		name        string
		services    string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "http only",
			services: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
			expectError: false,
		},
		{
			name:     "multiple services",
			services: "http,image-runner",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:        true,
				ServiceModeImageRunner: true,
			},
			expectError: false,
		},
		{
			name:        "invalid configuration",
			services:    "invalid-service",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}
			result, err := cfg.GetEnabledServices()

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestAppConfig_ParseAuthEnv(t *testing.T) {
	t.Setenv("AUTH_MODE", "oauth")
	t.Setenv("ADMIN_GROUP", "cn=admins,ou=groups,dc=example,dc=org")
	t.Setenv("USER_GROUP", "cn=users,ou=groups,dc=example,dc=org")
	t.Setenv("OAUTH_CLIENT_ID", "app-client")
	t.Setenv("OAUTH_CLIENT_SECRET", "super-secret")
	t.Setenv("OAUTH_REDIRECT_URL", "https://app.example.com/auth/callback")
	t.Setenv("OAUTH_DISCOVERY_URL", "https://login.example.com/.well-known/openid-configuration")
	t.Setenv("OAUTH_SCOPE", "openid profile email")
	t.Setenv("DEV_AUTH_USER_ID", "dev-user")
	t.Setenv("DEV_AUTH_EMAIL", "dev@example.com")
	t.Setenv("DEV_AUTH_GROUPS", "admins;devs")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}

	expected := AuthConfig{
		Mode: AuthModeOAuth,
		OAuth: OAuthConfig{
			ClientID:     "app-client",
			ClientSecret: "super-secret",
			RedirectURL:  "https://app.example.com/auth/callback",
			Scope:        "openid profile email",
			DiscoveryURL: "https://login.example.com/.well-known/openid-configuration",
		},
		DevAuth: DevAuthConfig{
			UserID: "dev-user",
			Email:  "dev@example.com",
			Groups: []string{"admins", "devs"},
		},
		AdminGroup: "cn=admins,ou=groups,dc=example,dc=org",
		UserGroup:  "cn=users,ou=groups,dc=example,dc=org",
	}

	if !reflect.DeepEqual(cfg.Auth, expected) {
		t.Fatalf("unexpected auth configuration:\nexpected: %#v\ngot:      %#v", expected, cfg.Auth)
	}
}

func TestAppConfig_ParseQueueAndSourceEnv(t *testing.T) {
	t.Setenv("ADMIN_GROUP", "cn=admins,ou=groups,dc=example,dc=org")
	t.Setenv("USER_GROUP", "cn=users,ou=groups,dc=example,dc=org")
	t.Setenv("QUEUE_NAME", "image_fetch_eu")
	t.Setenv("QUEUE_JOB_TIMEOUT", "2m")
	t.Setenv("QUEUE_CONCURRENCY", "4")
	t.Setenv("IMAGE_SOURCE_MODE", "live")
	t.Setenv("IMAGE_SOURCE_API_KEY", "secret-key")
	t.Setenv("FALLBACK_POLICY", "never")
	t.Setenv("STORAGE_ROOT", "/var/lib/imagevault")
	t.Setenv("STORAGE_ALLOWED_EXTENSIONS", "jpg,png")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Queue.Name != model.JobType("image_fetch_eu") {
		t.Fatalf("unexpected queue name: %s", cfg.Queue.Name)
	}
	if cfg.Queue.JobTimeout != 2*time.Minute {
		t.Fatalf("unexpected job timeout: %v", cfg.Queue.JobTimeout)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Fatalf("unexpected concurrency: %d", cfg.Queue.Concurrency)
	}
	if cfg.ImageSource.Mode != model.SourceModeLive {
		t.Fatalf("unexpected source mode: %s", cfg.ImageSource.Mode)
	}
	if cfg.ImageSource.APIKey != "secret-key" {
		t.Fatalf("unexpected api key: %q", cfg.ImageSource.APIKey)
	}
	if cfg.FallbackPolicy != FallbackNever {
		t.Fatalf("unexpected fallback policy: %s", cfg.FallbackPolicy)
	}
	if cfg.Storage.Root != "/var/lib/imagevault" {
		t.Fatalf("unexpected storage root: %s", cfg.Storage.Root)
	}
	if !reflect.DeepEqual(cfg.Storage.AllowedExtensions, []string{"jpg", "png"}) {
		t.Fatalf("unexpected allowed extensions: %v", cfg.Storage.AllowedExtensions)
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name           string
		services       string
		expectedHTTP   bool
		expectedRunner bool
		expectedReaper bool
	}{
		{
			name:           "http only",
			services:       "http",
			expectedHTTP:   true,
			expectedRunner: false,
			expectedReaper: false,
		},
		{
			name:           "http and image-runner",
			services:       "http,image-runner",
			expectedHTTP:   true,
			expectedRunner: true,
			expectedReaper: false,
		},
		{
			name:           "all services",
			services:       "http,image-runner,reaper",
			expectedHTTP:   true,
			expectedRunner: true,
			expectedReaper: true,
		},
		{
			name:           "image-runner only",
			services:       "image-runner",
			expectedHTTP:   false,
			expectedRunner: true,
			expectedReaper: false,
		},
		{
			name:           "reaper only",
			services:       "reaper",
			expectedHTTP:   false,
			expectedRunner: false,
			expectedReaper: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}

			if cfg.IsHTTPServerEnabled() != tt.expectedHTTP {
				t.Errorf("IsHTTPServerEnabled(): expected %v, got %v", tt.expectedHTTP, cfg.IsHTTPServerEnabled())
			}

			if cfg.IsImageRunnerEnabled() != tt.expectedRunner {
				t.Errorf("IsImageRunnerEnabled(): expected %v, got %v", tt.expectedRunner, cfg.IsImageRunnerEnabled())
			}

			if cfg.IsReaperEnabled() != tt.expectedReaper {
				t.Errorf("IsReaperEnabled(): expected %v, got %v", tt.expectedReaper, cfg.IsReaperEnabled())
			}
		})
	}
}

func TestConfig_ServiceEnabledMethodsWithInvalidConfig(t *testing.T) {
	cfg := AppConfig{Services: "invalid-service"}

	// All methods should return false when configuration is invalid
	if cfg.IsHTTPServerEnabled() != false {
		t.Errorf("IsHTTPServerEnabled() with invalid config: expected false, got true")
	}

	if cfg.IsImageRunnerEnabled() != false {
		t.Errorf("IsImageRunnerEnabled() with invalid config: expected false, got true")
	}

	if cfg.IsReaperEnabled() != false {
		t.Errorf("IsReaperEnabled() with invalid config: expected false, got true")
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{
		ServiceModeHTTP,
		ServiceModeImageRunner,
		ServiceModeReaper,
	}

	if len(modes) != len(expected) {
		t.Errorf("expected %d service modes, got %d", len(expected), len(modes))
	}

	for i, mode := range modes {
		if mode != expected[i] {
			t.Errorf("expected service mode %s at index %d, got %s", expected[i], i, mode)
		}
	}
}

func TestQueueConfig_Sanitize(t *testing.T) {
	cfg := QueueConfig{
		Name:        model.JobType("Not Valid!"),
		JobTimeout:  time.Second,
		Concurrency: 0,
		MaxRetries:  -2,
	}

	cfg.Sanitize()

	if cfg.Name != model.JobTypeImageFetch {
		t.Fatalf("expected queue name to fall back to default, got %s", cfg.Name)
	}
	if cfg.JobTimeout != 5*time.Second {
		t.Fatalf("expected job timeout clamp, got %v", cfg.JobTimeout)
	}
	if cfg.Concurrency != 1 {
		t.Fatalf("expected concurrency clamp, got %d", cfg.Concurrency)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("expected max retries clamp, got %d", cfg.MaxRetries)
	}
}

func TestFallbackPolicy_Masks(t *testing.T) {
	tests := []struct {
		policy FallbackPolicy
		mode   model.SourceMode
		want   bool
	}{
		{FallbackSimulatedOnly, model.SourceModeSimulated, true},
		{FallbackSimulatedOnly, model.SourceModeLive, false},
		{FallbackAlways, model.SourceModeLive, true},
		{FallbackAlways, model.SourceModeSimulated, true},
		{FallbackNever, model.SourceModeSimulated, false},
		{FallbackNever, model.SourceModeLive, false},
		{FallbackPolicy(""), model.SourceModeSimulated, true},
		{FallbackPolicy(""), model.SourceModeLive, false},
	}

	for _, tt := range tests {
		if got := tt.policy.Masks(tt.mode); got != tt.want {
			t.Errorf("policy %q mode %q: expected %v, got %v", tt.policy, tt.mode, tt.want, got)
		}
	}
}

func TestFallbackPolicy_UnmarshalText(t *testing.T) {
	var p FallbackPolicy
	if err := p.UnmarshalText([]byte(" Always ")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != FallbackAlways {
		t.Fatalf("expected always, got %s", p)
	}
	if err := p.UnmarshalText([]byte("sometimes")); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestStorageConfig_Sanitize(t *testing.T) {
	cfg := StorageConfig{
		Root:              "  ",
		MaxFileSize:       0,
		AllowedExtensions: []string{" .JPG ", "", "png"},
	}

	cfg.Sanitize()

	if cfg.Root != "static" {
		t.Fatalf("expected root default, got %q", cfg.Root)
	}
	if cfg.MaxFileSize != 10<<20 {
		t.Fatalf("expected max file size default, got %d", cfg.MaxFileSize)
	}
	if !reflect.DeepEqual(cfg.AllowedExtensions, []string{"jpg", "png"}) {
		t.Fatalf("unexpected allow-list: %v", cfg.AllowedExtensions)
	}

	if !cfg.ExtensionAllowed(".JPG") {
		t.Fatal("expected .JPG to be allowed")
	}
	if cfg.ExtensionAllowed("exe") {
		t.Fatal("expected exe to be rejected")
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{
		Interval:           time.Second,
		QueuedMaxAge:       time.Second,
		SucceededRetention: time.Second,
		FailedRetention:    time.Second,
		JobResultsMaxAge:   time.Second,
		BatchSize:          0,
	}

	cfg.Sanitize()

	if cfg.Interval != time.Minute {
		t.Fatalf("expected interval clamp, got %v", cfg.Interval)
	}
	if cfg.QueuedMaxAge != 5*time.Minute {
		t.Fatalf("expected queued max age clamp, got %v", cfg.QueuedMaxAge)
	}
	if cfg.SucceededRetention != 5*time.Minute {
		t.Fatalf("expected succeeded retention clamp, got %v", cfg.SucceededRetention)
	}
	if cfg.FailedRetention != 5*time.Minute {
		t.Fatalf("expected failed retention clamp, got %v", cfg.FailedRetention)
	}
	if cfg.BatchSize != 1 {
		t.Fatalf("expected batch size clamp, got %d", cfg.BatchSize)
	}

	cfg.BatchSize = 50000
	cfg.Sanitize()
	if cfg.BatchSize != 10000 {
		t.Fatalf("expected batch size upper clamp, got %d", cfg.BatchSize)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: " ",
			Channel:    "  ",
			Username:   "",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: " ",
			Source:     "",
			Component:  "",
		},
	}

	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit < 0 {
		t.Fatalf("expected retry limit to be clamped to >= 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled without a routing key")
	}
	if cfg.PagerDuty.Source != "imagevault" {
		t.Fatalf("expected pagerduty source default, got %q", cfg.PagerDuty.Source)
	}
	if cfg.PagerDuty.Component != "imagevault" {
		t.Fatalf("expected pagerduty component default, got %q", cfg.PagerDuty.Component)
	}

	// Disabled top-level should disable child sinks.
	cfg = ObservabilityNotificationsConfig{
		Enabled: false,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/test",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "abc",
		},
	}
	cfg.Sanitize()

	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled when top-level notifications disabled")
	}
}
