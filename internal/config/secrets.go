package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// SecretStrength classifies a secret by length and character variety.
type SecretStrength int

const (
	SecretStrengthWeak SecretStrength = iota
	SecretStrengthMedium
	SecretStrengthStrong
)

func (s SecretStrength) String() string {
	switch s {
	case SecretStrengthWeak:
		return "weak"
	case SecretStrengthMedium:
		return "medium"
	case SecretStrengthStrong:
		return "strong"
	}
	return "unknown"
}

// denylist holds values that must never appear in a real secret.
// Placeholders match as substrings; known weak passwords match whole.
var denylist = struct {
	placeholders []string
	weak         map[string]struct{}
}{
	placeholders: []string{
		"changeme", "change_me", "please_change",
		"your_api_key", "your_secret",
		"example", "sample", "demo", "default",
		"localhost", "postgres", "tradepulse",
	},
	weak: toSet(
		"test", "test123", "password", "password123", "passw0rd",
		"admin", "admin123", "secret", "secret123",
		"123456", "12345678", "123123", "654321",
		"qwerty", "qazwsx", "abc123", "letmein", "trustno1",
		"iloveyou", "sunshine", "superman", "dragon", "monkey",
		"master", "shadow", "baseball", "football",
	),
}

func toSet(vals ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

// SecretValidationResult reports whether a secret is acceptable and
// why not.
type SecretValidationResult struct {
	IsValid  bool
	Strength SecretStrength
	Errors   []string
	Warnings []string
}

func (r *SecretValidationResult) fail(format string, args ...interface{}) {
	r.IsValid = false
	r.Strength = SecretStrengthWeak
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateSecret checks one secret against the denylist, a minimum
// length, and, when requireStrong is set, a strength floor. name only
// labels the messages.
func ValidateSecret(secret, name string, minLength int, requireStrong bool) SecretValidationResult {
	result := SecretValidationResult{IsValid: true, Strength: SecretStrengthStrong}

	if secret == "" {
		result.fail("%s cannot be empty", name)
		return result
	}

	lower := strings.ToLower(secret)
	if _, known := denylist.weak[lower]; known {
		result.fail("%s is a commonly known weak password", name)
		return result
	}
	for _, p := range denylist.placeholders {
		if strings.Contains(lower, p) {
			result.fail("%s looks like a placeholder value (%s)", name, p)
			return result
		}
	}
	if len(secret) < minLength {
		result.fail("%s must be at least %d characters (got %d)", name, minLength, len(secret))
		return result
	}

	variety := charVariety(secret)
	switch {
	case len(secret) >= 16 && variety >= 3:
		result.Strength = SecretStrengthStrong
	case len(secret) >= 12 && variety >= 2:
		result.Strength = SecretStrengthMedium
	default:
		result.Strength = SecretStrengthWeak
	}

	if hasRun(lower) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s contains sequential or repeated characters", name))
		if result.Strength == SecretStrengthMedium {
			result.Strength = SecretStrengthWeak
		}
	}

	if requireStrong && result.Strength == SecretStrengthWeak {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s is too weak: use 12+ characters mixing upper, lower, digits and symbols", name))
	} else if requireStrong && result.Strength == SecretStrengthMedium {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s has medium strength, consider a longer secret", name))
	}

	return result
}

// charVariety counts how many of the four character classes appear.
func charVariety(s string) int {
	var upper, lowerC, digit, special bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lowerC = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	n := 0
	for _, b := range []bool{upper, lowerC, digit, special} {
		if b {
			n++
		}
	}
	return n
}

// hasRun reports three consecutive ascending bytes (abc, 123) or the
// same byte three times in a row.
func hasRun(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i+1] == s[i]+1 && s[i+2] == s[i]+2 {
			return true
		}
		if s[i+1] == s[i] && s[i+2] == s[i] {
			return true
		}
	}
	return false
}

// ValidateProductionSecrets vets every secret the process carries. The
// database and Redis passwords must be strong; the model API key is a
// provider-generated string, so only the denylist applies.
func ValidateProductionSecrets(cfg *Config) ValidationErrors {
	const minLength = 12

	checks := []struct {
		field         string
		label         string
		value         string
		minLength     int
		requireStrong bool
	}{
		{"database.password", "Database password", cfg.Database.Password, minLength, true},
		{"redis.password", "Redis password", cfg.Redis.Password, minLength, true},
		{"model.api_key", "Model API key", cfg.Model.APIKey, 10, false},
	}

	var errs ValidationErrors
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		result := ValidateSecret(c.value, c.label, c.minLength, c.requireStrong)
		for _, msg := range result.Errors {
			errs = append(errs, ValidationError{Field: c.field, Message: msg})
		}
	}
	return errs
}

// VaultConfig selects and authenticates a Vault server.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	AuthMethod string // token, kubernetes or approle
	MountPath  string // KV mount, default "secret"
	SecretPath string // base path under the mount, e.g. tradepulse/production
	Namespace  string // Vault Enterprise namespace, optional
}

// VaultClient reads KV secrets under the configured base path.
type VaultClient struct {
	client *vault.Client
	cfg    VaultConfig
}

// NewVaultClient connects and authenticates per the configured method.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled")
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		token := cfg.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token auth")
		}
		client.SetToken(token)
	case "kubernetes":
		if err := loginKubernetes(client); err != nil {
			return nil, fmt.Errorf("kubernetes auth: %w", err)
		}
	case "approle":
		if err := loginAppRole(client); err != nil {
			return nil, fmt.Errorf("approle auth: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported vault auth method %q", cfg.AuthMethod)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client ready")
	return &VaultClient{client: client, cfg: cfg}, nil
}

// GetSecret reads one secret relative to the base path. KV v2 nests
// the payload under "data"; v1 returns it flat.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	full := fmt.Sprintf("%s/data/%s/%s", vc.cfg.MountPath, vc.cfg.SecretPath, path)
	secret, err := vc.client.Logical().ReadWithContext(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", full, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("no secret at %s", full)
	}
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		return nested, nil
	}
	return secret.Data, nil
}

// LoadSecretsFromVault overlays Vault-held secrets onto the loaded
// config. A missing path is not fatal: the value may legitimately come
// from the environment instead.
func LoadSecretsFromVault(ctx context.Context, cfg *Config, vaultCfg VaultConfig) error {
	if !vaultCfg.Enabled {
		log.Debug().Msg("Vault disabled, secrets come from the environment")
		return nil
	}

	vc, err := NewVaultClient(vaultCfg)
	if err != nil {
		return err
	}

	bindings := []struct {
		path string
		key  string
		dst  *string
	}{
		{"database", "password", &cfg.Database.Password},
		{"database", "user", &cfg.Database.User},
		{"redis", "password", &cfg.Redis.Password},
		{"model", "api_key", &cfg.Model.APIKey},
	}

	cache := make(map[string]map[string]interface{})
	for _, b := range bindings {
		data, ok := cache[b.path]
		if !ok {
			data, err = vc.GetSecret(ctx, b.path)
			if err != nil {
				log.Warn().Err(err).Str("path", b.path).Msg("Vault secret unavailable")
				cache[b.path] = nil
				continue
			}
			cache[b.path] = data
		}
		if data == nil {
			continue
		}
		if v, ok := data[b.key].(string); ok && v != "" {
			*b.dst = v
		}
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}

func loginKubernetes(client *vault.Client) error {
	jwt, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
	if err != nil {
		return fmt.Errorf("read service account token: %w", err)
	}
	role := os.Getenv("VAULT_K8S_ROLE")
	if role == "" {
		role = "tradepulse"
	}
	secret, err := client.Logical().Write("auth/kubernetes/login", map[string]interface{}{
		"jwt":  string(jwt),
		"role": role,
	})
	if err != nil {
		return err
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("login returned no token")
	}
	client.SetToken(secret.Auth.ClientToken)
	return nil
}

func loginAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set")
	}
	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return err
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("login returned no token")
	}
	client.SetToken(secret.Auth.ClientToken)
	return nil
}

// GetVaultConfigFromEnv assembles the Vault settings from environment
// variables; VAULT_ENABLED=true switches the integration on.
func GetVaultConfigFromEnv() VaultConfig {
	if os.Getenv("VAULT_ENABLED") != "true" {
		return VaultConfig{}
	}
	return VaultConfig{
		Enabled:    true,
		Address:    envOr("VAULT_ADDR", "http://localhost:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		AuthMethod: envOr("VAULT_AUTH_METHOD", "token"),
		MountPath:  envOr("VAULT_MOUNT_PATH", "secret"),
		SecretPath: envOr("VAULT_SECRET_PATH", "tradepulse/production"),
		Namespace:  os.Getenv("VAULT_NAMESPACE"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
