package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mikeyg42/meshroom/internal/secret"
)

// Config holds all application configuration
type Config struct {
	Signaling  SignalingConfig  `mapstructure:"signaling"`
	ICE        ICEConfig        `mapstructure:"ice"`
	Media      MediaConfig      `mapstructure:"media"`
	Roster     RosterConfig     `mapstructure:"roster"`
	Recording  RecordingConfig  `mapstructure:"recording"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Rendezvous RendezvousConfig `mapstructure:"rendezvous"`
	Log        LogConfig        `mapstructure:"log"`
}

type SignalingConfig struct {
	URL         string        `mapstructure:"url"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ICEConfig lists the public STUN servers used for NAT traversal. There is
// deliberately no TURN section.
type ICEConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

type MediaConfig struct {
	Width            int     `mapstructure:"width"`
	Height           int     `mapstructure:"height"`
	FrameRate        float64 `mapstructure:"frame_rate"`
	VideoBitRate     int     `mapstructure:"video_bitrate"`
	AudioBitRate     int     `mapstructure:"audio_bitrate"`
	KeyFrameInterval int     `mapstructure:"keyframe_interval"`
	SampleRate       int     `mapstructure:"sample_rate"`
	Channels         int     `mapstructure:"channels"`
}

type RosterConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DatabaseURL  string        `mapstructure:"database_url"`
}

type RecordingConfig struct {
	Timeslice        time.Duration `mapstructure:"timeslice"`
	VideoBitRate     int           `mapstructure:"video_bitrate"`
	AudioBitRate     int           `mapstructure:"audio_bitrate"`
	MimeType         string        `mapstructure:"mime_type"`
	SpoolDir         string        `mapstructure:"spool_dir"`
	MinFreeDiskBytes uint64        `mapstructure:"min_free_disk_bytes"`
}

type StorageConfig struct {
	MinIO MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig is optional; an empty Endpoint disables archiving.
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	MaxUploads      int           `mapstructure:"max_uploads"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
}

type RendezvousConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	Mode           string        `mapstructure:"mode"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL:         "ws://localhost:7000/signal",
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			MaxAttempts: 5,
			OpenTimeout: 10 * time.Second,
			Heartbeat:   25 * time.Second,
			CallTimeout: 5 * time.Second,
		},
		ICE: ICEConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:global.stun.twilio.com:3478",
			},
		},
		Media: MediaConfig{
			Width:            640,
			Height:           480,
			FrameRate:        30,
			VideoBitRate:     1_000_000,
			AudioBitRate:     64_000,
			KeyFrameInterval: 60,
			SampleRate:       48000,
			Channels:         2,
		},
		Roster: RosterConfig{
			PollInterval: 10 * time.Second,
		},
		Recording: RecordingConfig{
			Timeslice:        time.Second,
			VideoBitRate:     2_500_000,
			AudioBitRate:     128_000,
			SpoolDir:         "recordings/",
			MinFreeDiskBytes: 512 << 20,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Bucket:         "meshroom-recordings",
				MaxUploads:     4,
				MaxRetries:     3,
				ConnectTimeout: 30 * time.Second,
				URLExpiry:      24 * time.Hour,
			},
		},
		Rendezvous: RendezvousConfig{
			Addr:           ":7000",
			AllowedOrigins: []string{"*"},
			RateLimit:      30,
			RateWindow:     time.Minute,
			ReadLimit:      64 << 10,
			Mode:           "release",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the optional file at path and from
// MESHROOM_* environment variables, on top of NewDefaultConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("meshroom")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// openSecrets decrypts the credentials that may be sealed with the
// "meshroom secret seal" command. The key comes from master_key
// (MESHROOM_MASTER_KEY).
func (c *Config) openSecrets(masterKey string) error {
	var box *secret.Box
	if masterKey != "" {
		var err error
		if box, err = secret.NewBox(masterKey); err != nil {
			return err
		}
	}
	err := secret.OpenAll(box,
		&c.Storage.MinIO.AccessKeyID,
		&c.Storage.MinIO.SecretAccessKey,
		&c.Roster.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open sealed config values: %w", err)
	}
	return nil
}

// FromViper decodes and validates a config from an already populated viper
// instance (flags bound by the CLI land here).
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.openSecrets(v.GetString("master_key")); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default with v so that environment variables
// can override nested keys.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("signaling.url", d.Signaling.URL)
	v.SetDefault("signaling.backoff_base", d.Signaling.BackoffBase)
	v.SetDefault("signaling.backoff_cap", d.Signaling.BackoffCap)
	v.SetDefault("signaling.max_attempts", d.Signaling.MaxAttempts)
	v.SetDefault("signaling.open_timeout", d.Signaling.OpenTimeout)
	v.SetDefault("signaling.heartbeat", d.Signaling.Heartbeat)
	v.SetDefault("signaling.call_timeout", d.Signaling.CallTimeout)

	v.SetDefault("ice.stun_servers", d.ICE.STUNServers)

	v.SetDefault("media.width", d.Media.Width)
	v.SetDefault("media.height", d.Media.Height)
	v.SetDefault("media.frame_rate", d.Media.FrameRate)
	v.SetDefault("media.video_bitrate", d.Media.VideoBitRate)
	v.SetDefault("media.audio_bitrate", d.Media.AudioBitRate)
	v.SetDefault("media.keyframe_interval", d.Media.KeyFrameInterval)
	v.SetDefault("media.sample_rate", d.Media.SampleRate)
	v.SetDefault("media.channels", d.Media.Channels)

	v.SetDefault("roster.poll_interval", d.Roster.PollInterval)
	v.SetDefault("roster.database_url", d.Roster.DatabaseURL)

	v.SetDefault("recording.timeslice", d.Recording.Timeslice)
	v.SetDefault("recording.video_bitrate", d.Recording.VideoBitRate)
	v.SetDefault("recording.audio_bitrate", d.Recording.AudioBitRate)
	v.SetDefault("recording.mime_type", d.Recording.MimeType)
	v.SetDefault("recording.spool_dir", d.Recording.SpoolDir)
	v.SetDefault("recording.min_free_disk_bytes", d.Recording.MinFreeDiskBytes)

	v.SetDefault("storage.minio.endpoint", d.Storage.MinIO.Endpoint)
	v.SetDefault("storage.minio.access_key_id", d.Storage.MinIO.AccessKeyID)
	v.SetDefault("storage.minio.secret_access_key", d.Storage.MinIO.SecretAccessKey)
	v.SetDefault("storage.minio.use_ssl", d.Storage.MinIO.UseSSL)
	v.SetDefault("storage.minio.bucket", d.Storage.MinIO.Bucket)
	v.SetDefault("storage.minio.region", d.Storage.MinIO.Region)
	v.SetDefault("storage.minio.max_uploads", d.Storage.MinIO.MaxUploads)
	v.SetDefault("storage.minio.max_retries", d.Storage.MinIO.MaxRetries)
	v.SetDefault("storage.minio.connect_timeout", d.Storage.MinIO.ConnectTimeout)
	v.SetDefault("storage.minio.url_expiry", d.Storage.MinIO.URLExpiry)

	v.SetDefault("rendezvous.addr", d.Rendezvous.Addr)
	v.SetDefault("rendezvous.allowed_origins", d.Rendezvous.AllowedOrigins)
	v.SetDefault("rendezvous.rate_limit", d.Rendezvous.RateLimit)
	v.SetDefault("rendezvous.rate_window", d.Rendezvous.RateWindow)
	v.SetDefault("rendezvous.read_limit", d.Rendezvous.ReadLimit)
	v.SetDefault("rendezvous.mode", d.Rendezvous.Mode)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Validate checks the invariants the rest of the program relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Signaling.URL == "" {
		errs = append(errs, errors.New("signaling.url is required"))
	}
	if c.Signaling.BackoffBase <= 0 {
		errs = append(errs, errors.New("signaling.backoff_base must be positive"))
	}
	if c.Signaling.BackoffCap < c.Signaling.BackoffBase {
		errs = append(errs, errors.New("signaling.backoff_cap must not be below backoff_base"))
	}
	if c.Signaling.MaxAttempts < 1 {
		errs = append(errs, errors.New("signaling.max_attempts must be at least 1"))
	}
	if c.Signaling.OpenTimeout <= 0 {
		errs = append(errs, errors.New("signaling.open_timeout must be positive"))
	}
	for _, s := range c.ICE.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			errs = append(errs, fmt.Errorf("ice.stun_servers: %q is not a stun: URL", s))
		}
	}
	if c.Roster.PollInterval <= 0 {
		errs = append(errs, errors.New("roster.poll_interval must be positive"))
	}
	if c.Recording.Timeslice <= 0 {
		errs = append(errs, errors.New("recording.timeslice must be positive"))
	}
	if c.Recording.VideoBitRate < 0 || c.Recording.AudioBitRate < 0 {
		errs = append(errs, errors.New("recording bitrates must not be negative"))
	}
	if c.Storage.MinIO.Endpoint != "" && c.Storage.MinIO.Bucket == "" {
		errs = append(errs, errors.New("storage.minio.bucket is required when an endpoint is set"))
	}
	// S3 caps presigned URLs at seven days.
	if e := c.Storage.MinIO.URLExpiry; e <= 0 || e > 7*24*time.Hour {
		errs = append(errs, errors.New("storage.minio.url_expiry must be between 0 and 168h"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ArchiveEnabled reports whether finished recordings are uploaded to MinIO.
func (c *Config) ArchiveEnabled() bool {
	return c.Storage.MinIO.Endpoint != ""
}
