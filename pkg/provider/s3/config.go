// Package s3 implements provider.Provider for AWS S3 and S3-compatible storage.
package s3

// Config configures an S3 provider.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are set explicitly.
//
// Region resolution: an explicit Region wins, then environment and profile.
// RegionFromIMDS ("imds") asks the EC2 instance metadata service. Without a
// custom Endpoint an unresolved region falls back to us-east-1.
type Config struct {
	Bucket string

	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores
	// (MinIO, Wasabi). Leave empty for AWS S3.
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path. Most S3-compatible stores need it.
	ForcePathStyle bool

	// MaxKeys is the default List page size, clamped to 1000.
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"
	RegionFromIMDS   = "imds"
)

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.Region == RegionFromIMDS && c.Endpoint != "" {
		return &ConfigError{Field: "Region", Message: "imds region lookup is only valid for AWS S3"}
	}
	return nil
}

// ConfigError is a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
