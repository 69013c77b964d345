package jobconfig

import (
	"context"
	"fmt"

	"github.com/3leaps/lakeconnector/pkg/provider"
	"github.com/3leaps/lakeconnector/pkg/provider/file"
	"github.com/3leaps/lakeconnector/pkg/provider/s3"
)

// OpenStorage creates the provider described by s.
func OpenStorage(ctx context.Context, s StorageConfig) (provider.Provider, error) {
	switch s.Provider {
	case ProviderS3:
		return s3.New(ctx, s3.Config{
			Bucket:         s.Bucket,
			Region:         s.Region,
			Endpoint:       s.Endpoint,
			Profile:        s.Profile,
			ForcePathStyle: s.ForcePathStyle,
		})
	case ProviderFile:
		return file.New(file.Config{BaseDir: s.BaseDir})
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", s.Provider)
	}
}
