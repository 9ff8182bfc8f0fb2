package config

import (
	"fmt"
	"os"
)

// Config holds the application configuration
type Config struct {
	// Server bind address (host:port)
	ServerAddr string

	// Shared secret required on every mutating endpoint (X-API-Key header)
	APISecretKey string

	// Database connection string (DSN) for the run-history store.
	// SQLite file path by default; postgres:// DSNs are also accepted.
	DatabaseURL string

	// Enable debug logging
	Debug bool

	// Remote directory service configuration
	Directory DirectoryConfig

	// Blob store configuration for input files and cached results
	S3 S3Config

	// SCIM adapter configuration
	SCIM SCIMConfig
}

// DirectoryConfig holds connection settings for the remote identity and
// authorization service. The API key is exchanged for a short-lived bearer
// token at the auth endpoint; the organization ID scopes every user and
// grant call.
type DirectoryConfig struct {
	APIKey         string
	AuthAPIURL     string
	UsersAPIURL    string
	OrganizationID int64
}

// OrgScope returns the organization-root authorization scope. Wildcard
// scopes ("*") in group mappings resolve to this value.
func (c *DirectoryConfig) OrgScope() string {
	return fmt.Sprintf("organization=%d", c.OrganizationID)
}

// S3Config holds blob store settings. EndpointURL is optional and exists for
// LocalStack/minio-style deployments.
type S3Config struct {
	Bucket        string
	Region        string
	EndpointURL   string
	RosterKey     string
	MappingKey    string
	ResultsPrefix string
}

// Enabled reports whether the blob store entry point can be served.
func (c *S3Config) Enabled() bool {
	return c.Bucket != ""
}

// SCIMConfig holds settings for the SCIM 2.0 adapter. The group mapping CSV
// is loaded once at startup, either from MappingPath or (when empty) from the
// blob store mapping key.
type SCIMConfig struct {
	MappingPath string
}

// Load reads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:   getEnv("SERVER_ADDR", "localhost:8000"),
		APISecretKey: getEnv("API_SECRET_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "file:roster.db"),
		Debug:        getEnvBool("DEBUG", false),
		Directory: DirectoryConfig{
			APIKey:         getEnv("DIRECTORY_API_KEY", ""),
			AuthAPIURL:     getEnv("AUTH_API_URL", "https://auth.directory.internal"),
			UsersAPIURL:    getEnv("USERS_API_URL", "https://users.directory.internal"),
			OrganizationID: getEnvInt64("ORGANIZATION_ID", 0),
		},
		S3: S3Config{
			Bucket:        getEnv("S3_BUCKET", ""),
			Region:        getEnv("AWS_REGION", "us-east-1"),
			EndpointURL:   getEnv("AWS_ENDPOINT_URL", ""),
			RosterKey:     getEnv("S3_ROSTER_KEY", "input/roster.csv"),
			MappingKey:    getEnv("S3_MAPPING_KEY", "input/group_mapping.csv"),
			ResultsPrefix: getEnv("S3_RESULTS_PREFIX", "results/"),
		},
		SCIM: SCIMConfig{
			MappingPath: getEnv("SCIM_MAPPING_PATH", ""),
		},
	}

	// Validate required fields
	if cfg.Directory.APIKey == "" {
		return nil, fmt.Errorf("DIRECTORY_API_KEY is required")
	}

	if cfg.Directory.OrganizationID == 0 {
		return nil, fmt.Errorf("ORGANIZATION_ID is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64 retrieves an integer environment variable or returns a default value
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var result int64
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
