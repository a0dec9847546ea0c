// Helpers mapping the main config onto the storage package's own types.
package config

import (
	"github.com/mikeyg42/meshroom/internal/storage"
)

// MinIOStoreConfig maps the storage.minio section to storage.MinIOConfig.
func (c *Config) MinIOStoreConfig() storage.MinIOConfig {
	m := c.Storage.MinIO
	return storage.MinIOConfig{
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
		UseSSL:          m.UseSSL,
		Bucket:          m.Bucket,
		Region:          m.Region,
		MaxUploads:      m.MaxUploads,
		ConnectTimeout:  m.ConnectTimeout,
		MaxRetries:      m.MaxRetries,
	}
}
