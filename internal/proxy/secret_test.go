package proxy

import (
	"errors"
	"strings"
	"testing"
)

func validRaw() map[string]any {
	return map[string]any{
		"provider": "brightdata",
		"host":     "proxy.example.net",
		"port":     float64(8080),
		"username": "customer-abc",
		"password": "p@ss w0rd+100%",
	}
}

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(map[string]any)
		wantField string
	}{
		{
			name:   "valid secret",
			mutate: func(map[string]any) {},
		},
		{
			name:      "missing password",
			mutate:    func(raw map[string]any) { delete(raw, "password") },
			wantField: "password",
		},
		{
			name:      "blank username",
			mutate:    func(raw map[string]any) { raw["username"] = "   " },
			wantField: "username",
		},
		{
			name:      "nil host",
			mutate:    func(raw map[string]any) { raw["host"] = nil },
			wantField: "host",
		},
		{
			name:      "host carries scheme",
			mutate:    func(raw map[string]any) { raw["host"] = "http://proxy.example.net" },
			wantField: "host",
		},
		{
			name:      "host carries https scheme",
			mutate:    func(raw map[string]any) { raw["host"] = "https://proxy.example.net" },
			wantField: "host",
		},
		{
			name:      "pre-encoded password",
			mutate:    func(raw map[string]any) { raw["password"] = "p%40ssw0rd" },
			wantField: "password",
		},
		{
			name:      "pre-encoded space in password",
			mutate:    func(raw map[string]any) { raw["password"] = "p%20ss" },
			wantField: "password",
		},
		{
			name:   "raw percent in password is fine",
			mutate: func(raw map[string]any) { raw["password"] = "50%off" },
		},
		{
			name:      "zero port",
			mutate:    func(raw map[string]any) { raw["port"] = float64(0) },
			wantField: "port",
		},
		{
			name:      "non-numeric port",
			mutate:    func(raw map[string]any) { raw["port"] = "8080" },
			wantField: "port",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			tc.mutate(raw)
			secret, err := ValidateSecret(raw)
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateSecret() error = %v, want nil", err)
				}
				if secret.Port != 8080 {
					t.Errorf("Port = %d, want 8080", secret.Port)
				}
				if secret.Version != 1 {
					t.Errorf("Version = %d, want default 1", secret.Version)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateSecret() error = %v, want *ValidationError", err)
			}
			if verr.Field != tc.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tc.wantField)
			}
		})
	}
}

func TestValidateSecretOptionalFields(t *testing.T) {
	raw := validRaw()
	raw["geo_enabled"] = true
	raw["country"] = "us"
	raw["version"] = float64(3)

	secret, err := ValidateSecret(raw)
	if err != nil {
		t.Fatalf("ValidateSecret() error = %v", err)
	}
	if !secret.GeoEnabled || secret.Country != "us" {
		t.Errorf("geo = (%v, %q), want (true, us)", secret.GeoEnabled, secret.Country)
	}
	if secret.Version != 3 {
		t.Errorf("Version = %d, want 3", secret.Version)
	}
}

func TestSecretStringNeverLeaksPassword(t *testing.T) {
	secret, err := ValidateSecret(validRaw())
	if err != nil {
		t.Fatalf("ValidateSecret() error = %v", err)
	}
	rendered := secret.String()
	if strings.Contains(rendered, secret.Password) {
		t.Errorf("String() = %q leaks the password", rendered)
	}
	if strings.Contains(rendered, secret.Username) {
		t.Errorf("String() = %q renders the full username", rendered)
	}
}

func TestIsPreEncoded(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"plainpassword", false},
		{"p@ss w0rd", false},
		{"p%40ssw0rd", true},
		{"pass%2Bword", true},
		{"p%20ss", true},
		{"50%off", false},
		{"100%", false},
	}
	for _, tc := range tests {
		if got := isPreEncoded(tc.password); got != tc.want {
			t.Errorf("isPreEncoded(%q) = %v, want %v", tc.password, got, tc.want)
		}
	}
}

func TestEscapeUserinfo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain-pass_w0rd.~", "plain-pass_w0rd.~"},
		{"p ss", "p%20ss"},
		{"pass+word", "pass%2Bword"},
		{"p@ss:w0rd", "p%40ss%3Aw0rd"},
		{"100%", "100%25"},
	}
	for _, tc := range tests {
		if got := escapeUserinfo(tc.in); got != tc.want {
			t.Errorf("escapeUserinfo(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
