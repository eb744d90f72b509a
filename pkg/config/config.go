package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/jab3/conveyor/pkg/promote"
)

// PipelineConfig captures runtime settings for the pipeline service.
type PipelineConfig struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	CheckoutDir   string `mapstructure:"checkout_dir"`
	PipelineFile  string `mapstructure:"pipeline_file"`
	DatabaseURL   string `mapstructure:"database_url"`
	RedisURL      string `mapstructure:"redis_url"`
	DispatchToken string `mapstructure:"dispatch_token"`
	StatusBaseURL string `mapstructure:"status_base_url"`
	StatusToken   string `mapstructure:"status_token"`
	CredentialDir string `mapstructure:"credential_dir"`
}

// LoadPipeline loads pipeline configuration from defaults, files, and env vars.
func LoadPipeline() (PipelineConfig, error) {
	v := newViper("PIPELINE")

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("checkout_dir", ".")
	v.SetDefault("pipeline_file", "./configs/pipeline.yaml")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("dispatch_token", "")
	v.SetDefault("status_base_url", "")
	v.SetDefault("status_token", "")
	v.SetDefault("credential_dir", "")

	if err := readConfig(v); err != nil {
		return PipelineConfig{}, err
	}

	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// BuilderConfig captures runtime settings for the image builder service.
type BuilderConfig struct {
	ListenAddr        string `mapstructure:"listen_addr"`
	ContextDir        string `mapstructure:"context_dir"`
	ImageRepository   string `mapstructure:"image_repository"`
	ArtifactEndpoint  string `mapstructure:"artifact_endpoint"`
	ArtifactAccessKey string `mapstructure:"artifact_access_key"`
	ArtifactSecretKey string `mapstructure:"artifact_secret_key"`
	ArtifactBucket    string `mapstructure:"artifact_bucket"`
	ArtifactRegion    string `mapstructure:"artifact_region"`
	ArtifactUseSSL    bool   `mapstructure:"artifact_use_ssl"`
}

// LoadBuilder loads image builder configuration from defaults, files, and env vars.
func LoadBuilder() (BuilderConfig, error) {
	v := newViper("BUILDER")

	v.SetDefault("listen_addr", ":8091")
	v.SetDefault("context_dir", ".")
	v.SetDefault("image_repository", "jab3/jab3")
	v.SetDefault("artifact_endpoint", "")
	v.SetDefault("artifact_access_key", "")
	v.SetDefault("artifact_secret_key", "")
	v.SetDefault("artifact_bucket", "artifacts")
	v.SetDefault("artifact_region", "us-east-1")
	v.SetDefault("artifact_use_ssl", false)

	if err := readConfig(v); err != nil {
		return BuilderConfig{}, err
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadRemoteTarget reads the promotion target from REMOTE_* env vars.
// These are secrets and deliberately never come from a config file on
// disk. The returned Target is validated and immutable from then on.
func LoadRemoteTarget() (promote.Target, error) {
	v := viper.New()
	v.SetEnvPrefix("REMOTE")
	v.AutomaticEnv()

	v.SetDefault("host", "")
	v.SetDefault("port", 22)
	v.SetDefault("user", "")
	v.SetDefault("private_key", "")
	v.SetDefault("workdir", "")
	v.SetDefault("build_command", "cargo build --release")
	v.SetDefault("service_unit", "jab3")

	target := promote.Target{
		Host:         v.GetString("host"),
		Port:         v.GetInt("port"),
		User:         v.GetString("user"),
		PrivateKey:   v.GetString("private_key"),
		WorkDir:      v.GetString("workdir"),
		BuildCommand: v.GetString("build_command"),
		ServiceUnit:  v.GetString("service_unit"),
	}
	if err := target.Validate(); err != nil {
		return promote.Target{}, err
	}
	return target, nil
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	return nil
}
