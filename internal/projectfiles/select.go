package projectfiles

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	BackendLocal = "LOCAL"
	BackendS3    = "S3"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend   string `yaml:"backend"`
	MediaRoot string `yaml:"media_root"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
}

// New builds the configured backend. The choice is made once at startup.
func New(ctx context.Context, cfg Config) (Files, error) {
	switch strings.ToUpper(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		return NewLocal(cfg.MediaRoot)
	case BackendS3:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return NewS3(client, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
