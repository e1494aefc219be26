package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix scopes every environment variable consumed by the platform.
const EnvPrefix = "HYACINTH"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "HYACINTH_DB_DSN"
	EnvDBHost = "HYACINTH_DB_HOST"
	EnvDBUser = "HYACINTH_DB_USER"
	EnvDBName = "HYACINTH_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Blob         BlobConfig
	Pipeline     PipelineConfig
	Orphan       OrphanConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"HYACINTH_APP_ENV" required:"true"`
	Port         string `envconfig:"HYACINTH_APP_PORT" default:"8090"`
	LogLevel     string `envconfig:"HYACINTH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"HYACINTH_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"HYACINTH_SERVICE_KIND" default:"pipeline-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"HYACINTH_DB_DSN"`
	Driver string `envconfig:"HYACINTH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"HYACINTH_DB_HOST"`
	LegacyPort     int    `envconfig:"HYACINTH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"HYACINTH_DB_USER"`
	LegacyPassword string `envconfig:"HYACINTH_DB_PASSWORD"`
	LegacyName     string `envconfig:"HYACINTH_DB_NAME"`
	LegacySSLMode  string `envconfig:"HYACINTH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"HYACINTH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"HYACINTH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"HYACINTH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"HYACINTH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"HYACINTH_REDIS_URL" required:"true"`
	Address      string        `envconfig:"HYACINTH_REDIS_ADDR"`
	Password     string        `envconfig:"HYACINTH_REDIS_PASSWORD"`
	DB           int           `envconfig:"HYACINTH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"HYACINTH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"HYACINTH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"HYACINTH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"HYACINTH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"HYACINTH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"HYACINTH_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"HYACINTH_AUTO_MIGRATE" default:"false"`

	// InlineStages runs pipeline stages synchronously in-process instead of
	// dispatching through Pub/Sub. Meant for local development.
	InlineStages bool `envconfig:"HYACINTH_INLINE_STAGES" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"HYACINTH_GCP_PROJECT_ID"`
}

// PubSubConfig names the task topics and their worker subscriptions. Delayed
// redispatches are realized by nacking not_before deliveries, so both
// subscriptions must be provisioned with an exponential-backoff retry policy
// (a minimum backoff of at least a few seconds); with the default immediate
// retry policy a long not_before turns into a hot redeliver loop.
type PubSubConfig struct {
	PresenceTopic            string `envconfig:"HYACINTH_PUBSUB_PRESENCE_TOPIC" default:"hw-presence-tasks"`
	PresenceSubscription     string `envconfig:"HYACINTH_PUBSUB_PRESENCE_SUBSCRIPTION" default:"hw-presence-tasks-worker"`
	SegmentationTopic        string `envconfig:"HYACINTH_PUBSUB_SEGMENTATION_TOPIC" default:"hw-segmentation-tasks"`
	SegmentationSubscription string `envconfig:"HYACINTH_PUBSUB_SEGMENTATION_SUBSCRIPTION" default:"hw-segmentation-tasks-worker"`
}

// BlobConfig points at the storage service holding images, masks, and model
// artifacts.
type BlobConfig struct {
	BaseURL        string        `envconfig:"HYACINTH_BLOB_BASE_URL"`
	ServiceKey     string        `envconfig:"HYACINTH_BLOB_SERVICE_KEY"`
	ImagesBucket   string        `envconfig:"HYACINTH_BLOB_IMAGES_BUCKET" default:"observations"`
	MasksBucket    string        `envconfig:"HYACINTH_BLOB_MASKS_BUCKET" default:"masks"`
	ModelsBucket   string        `envconfig:"HYACINTH_BLOB_MODELS_BUCKET" default:"models"`
	SignedURLTTL   time.Duration `envconfig:"HYACINTH_BLOB_SIGNED_URL_TTL" default:"10m"`
	RequestTimeout time.Duration `envconfig:"HYACINTH_BLOB_REQUEST_TIMEOUT" default:"30s"`
}

type PipelineConfig struct {
	PresenceModelVersion string `envconfig:"HYACINTH_PRESENCE_MODEL_VERSION" default:"1.0.0"`
	SegModelVersion      string `envconfig:"HYACINTH_SEG_MODEL_VERSION" default:"1.0.0"`

	// PresenceThreshold overrides the threshold carried by model metadata
	// when set to a value in (0, 1]. Lets operators tune the false-positive
	// rate without redeploying a model.
	PresenceThreshold    float64 `envconfig:"HYACINTH_PRESENCE_THRESHOLD" default:"0"`
	SegFallbackThreshold float64 `envconfig:"HYACINTH_SEG_FALLBACK_THRESHOLD" default:"0.5"`

	MergeMaxAttempts int `envconfig:"HYACINTH_MERGE_MAX_ATTEMPTS" default:"3"`
}

type OrphanConfig struct {
	DelayMinutes  int `envconfig:"HYACINTH_ORPHAN_DELAY_MINUTES" default:"10"`
	MaxRetries    int `envconfig:"HYACINTH_ORPHAN_MAX_RETRIES" default:"3"`
	SweepMinutes  int `envconfig:"HYACINTH_ORPHAN_SWEEP_MINUTES" default:"5"`
	LockTTLMargin int `envconfig:"HYACINTH_ORPHAN_LOCK_TTL_MARGIN_MINUTES" default:"5"`
}

// Delay returns the grace period before an observation counts as orphaned.
func (o OrphanConfig) Delay() time.Duration {
	return time.Duration(o.DelayMinutes) * time.Minute
}

// SweepInterval returns the cadence of the orphan sweep.
func (o OrphanConfig) SweepInterval() time.Duration {
	return time.Duration(o.SweepMinutes) * time.Minute
}

// LockTTL covers one sweep run plus a safety margin so a crashed holder
// cannot wedge the lock forever.
func (o OrphanConfig) LockTTL() time.Duration {
	return o.SweepInterval() + time.Duration(o.LockTTLMargin)*time.Minute
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
