package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Name = "fedcore"
const ConfigFileName = "config.yaml"

// Actor modes
const (
	ActorModeActor     = "actor"
	ActorModeBlog      = "blog"
	ActorModeActorBlog = "actor_blog"
)

// Object type strategies
const (
	ObjectTypeAuto = "auto"
	ObjectTypeNote = "note"
)

const DefaultContentTemplate = "[ap_title type=\"html\"]\n\n[ap_content]\n\n[ap_hashtags]"

//go:embed config_default.yaml
var embeddedConfig []byte

// AppConfig is read once at startup and handed to every component by pointer.
// Nothing mutates it after ReadConf returns.
type AppConfig struct {
	Conf struct {
		Host       string `yaml:"host"`
		HttpPort   int    `yaml:"httpPort" validate:"min=1,max=65535"`
		SslDomain  string `yaml:"sslDomain" validate:"required"`
		DbPath     string `yaml:"dbPath" validate:"required"`
		LogLevel   string `yaml:"logLevel"`
		LogJson    bool   `yaml:"logJson"`
		ActorMode  string `yaml:"actorMode" validate:"oneof=actor blog actor_blog"`
		ObjectType string `yaml:"objectType" validate:"oneof=auto note"`

		ContentTemplate      string  `yaml:"contentTemplate"`
		MaxAttachments       int     `yaml:"maxAttachments" validate:"min=0"`
		MaxContentLength     int     `yaml:"maxContentLength" validate:"min=0"`
		NoteLength           int     `yaml:"noteLength" validate:"min=0"`
		ExcerptLength        int     `yaml:"excerptLength" validate:"min=0"`
		DefaultVisibility    string  `yaml:"defaultVisibility" validate:"oneof=public quiet_public local"`
		PreferredMediaType   string  `yaml:"preferredMediaType" validate:"omitempty,oneof=image audio video"`
		UploadsBaseURL       string  `yaml:"uploadsBaseURL" validate:"omitempty,url"`
		LegacyPermalinkMaxID int64   `yaml:"legacyPermalinkMaxID"`
		DisabledActors       []int64 `yaml:"disabledActors"`

		DeferSignatureVerification bool `yaml:"deferSignatureVerification"`
		UseSharedInbox             bool `yaml:"useSharedInbox"`

		Locale         string   `yaml:"locale"`
		DetectLanguage bool     `yaml:"detectLanguage"`
		Languages      []string `yaml:"languages"`
	} `yaml:"conf"`

	Blog struct {
		Identifier string `yaml:"identifier" validate:"required"`
		Name       string `yaml:"name"`
		Summary    string `yaml:"summary"`
		Icon       string `yaml:"icon" validate:"omitempty,url"`
	} `yaml:"blog"`

	Delivery struct {
		Workers                int           `yaml:"workers" validate:"min=1"`
		Timeout                time.Duration `yaml:"timeout"`
		Interval               time.Duration `yaml:"interval"`
		BatchSize              int           `yaml:"batchSize" validate:"min=1"`
		MaxAttempts            int           `yaml:"maxAttempts" validate:"min=1"`
		FollowerErrorThreshold int           `yaml:"followerErrorThreshold" validate:"min=1"`
	} `yaml:"delivery"`

	Federation struct {
		FetchTimeout  time.Duration `yaml:"fetchTimeout"`
		ActorCacheTTL time.Duration `yaml:"actorCacheTTL"`
		MaxClockSkew  time.Duration `yaml:"maxClockSkew"`
	} `yaml:"federation"`

	Inbox struct {
		Async        bool  `yaml:"async"`
		Workers      int   `yaml:"workers" validate:"min=1"`
		QueueSize    int   `yaml:"queueSize" validate:"min=1"`
		MaxBodyBytes int64 `yaml:"maxBodyBytes" validate:"min=1"`
	} `yaml:"inbox"`

	Migration struct {
		LockBackend string        `yaml:"lockBackend" validate:"oneof=sqlite redis"`
		RedisAddr   string        `yaml:"redisAddr" validate:"required_if=LockBackend redis"`
		LockTimeout time.Duration `yaml:"lockTimeout"`
		RetryDelay  time.Duration `yaml:"retryDelay"`
	} `yaml:"migration"`

	Events struct {
		Token     string `yaml:"token"`
		QueueSize int    `yaml:"queueSize" validate:"min=1"`
	} `yaml:"events"`
}

// DefaultConf returns the embedded defaults without touching the filesystem or environment.
func DefaultConf() *AppConfig {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		panic(fmt.Errorf("embedded config: %w", err))
	}
	return c
}

// ReadConf layers the embedded defaults, the config file and FEDCORE_* environment
// variables, in that order. An empty path resolves config.yaml locally first and then
// in the user config directory.
func ReadConf(path string) (*AppConfig, error) {

	c := DefaultConf()

	configPath := path
	if configPath == "" {
		configPath = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		log.Info().Str("path", configPath).Msg("Config file not found, using embedded defaults")

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn().Err(writeErr).Str("path", userConfigPath).Msg("Could not write default config")
			} else {
				log.Info().Str("path", userConfigPath).Msg("Created default config file")
			}
		}
	} else if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	c.Conf.ContentTemplate = ConvertLegacyTemplate(c.Conf.ContentTemplate)

	if err := ValidateConf(c); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("FEDCORE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDCORE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEDCORE_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("FEDCORE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDCORE_DB"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("FEDCORE_ACTOR_MODE"); v != "" {
		c.Conf.ActorMode = v
	}
	if v := os.Getenv("FEDCORE_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if os.Getenv("FEDCORE_DEFER_SIGNATURES") == "true" {
		c.Conf.DeferSignatureVerification = true
	}
	if v := os.Getenv("FEDCORE_REDIS_ADDR"); v != "" {
		c.Migration.LockBackend = "redis"
		c.Migration.RedisAddr = v
	}
	if v := os.Getenv("FEDCORE_EVENTS_TOKEN"); v != "" {
		c.Events.Token = v
	}
	return nil
}

// ValidateConf checks the struct tags of the whole configuration tree.
func ValidateConf(c *AppConfig) error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

var legacyPlaceholders = strings.NewReplacer(
	"%title%", "[ap_title]",
	"%excerpt%", "[ap_excerpt]",
	"%content%", "[ap_content]",
	"%permalink%", "[ap_permalink]",
	"%shortlink%", "[ap_shortlink]",
	"%hashtags%", "[ap_hashtags]",
	"%tags%", "[ap_hashtags]",
)

// ConvertLegacyTemplate rewrites %placeholder% templates to the shortcode syntax.
func ConvertLegacyTemplate(tpl string) string {
	if !strings.Contains(tpl, "%") {
		return tpl
	}
	converted := legacyPlaceholders.Replace(tpl)
	if converted != tpl {
		log.Warn().Msg("Config: contentTemplate uses legacy %placeholders%, converted to shortcodes")
	}
	return converted
}

// Redacted returns a copy that is safe to print.
func (c *AppConfig) Redacted() AppConfig {
	cp := *c
	if cp.Events.Token != "" {
		cp.Events.Token = "********"
	}
	return cp
}
