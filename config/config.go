package config

import (
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token    string `toml:"token" mapstructure:"token" env:"TOKEN"`
	Host     string `toml:"host" mapstructure:"host" env:"HOST"`
	Port     string `toml:"port" mapstructure:"port" env:"PORT"`
	Libonnx  string `toml:"libonnx" mapstructure:"libonnx" env:"LIBONNX"`
	LogLevel string `toml:"log_level" mapstructure:"log_level" env:"LOG_LEVEL"`

	ModelDir  string `toml:"model_dir" mapstructure:"model_dir" env:"MODEL_DIR"`
	ModelName string `toml:"model_name" mapstructure:"model_name" env:"MODEL_NAME"`
	ModelExt  string `toml:"model_ext" mapstructure:"model_ext" env:"MODEL_EXT"`
	// Threads overrides the inference thread heuristic when > 0.
	Threads int `toml:"threads" mapstructure:"threads" env:"THREADS"`

	StylesFile    string `toml:"styles_file" mapstructure:"styles_file" env:"STYLES"`
	ExposedStyles int    `toml:"exposed_styles" mapstructure:"exposed_styles" env:"EXPOSED_STYLES"`

	OutputDir string  `toml:"output_dir" mapstructure:"output_dir" env:"OUTPUT_DIR"`
	Blend     float32 `toml:"blend" mapstructure:"blend" env:"BLEND"`
}

const FileName = "config.toml"

var (
	cfg      = Default()
	loadOnce sync.Once
)

func Default() Config {
	return Config{
		Token:     "",
		Host:      "0.0.0.0",
		Port:      "8000",
		LogLevel:  "info",
		ModelDir:  "models",
		ModelName: "modelFinal15500",
		ModelExt:  "onnx",
		OutputDir: "stylized",
		Blend:     0.5,

		ExposedStyles: 6,
	}
}

func C() Config {
	loadOnce.Do(func() {
		// .env is optional
		_ = godotenv.Load()
		c, err := Load(FileName)
		if err != nil {
			panic(err)
		}
		cfg = c
	})
	return cfg
}

// Load reads path over the defaults and applies STYLIZED_* environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := toml.Unmarshal(data, &c); err != nil {
			return c, err
		}
	}
	if err := applyEnv(&c); err != nil {
		return c, err
	}
	return c, nil
}

// EnvPrefix namespaces the environment overrides, e.g. STYLIZED_MODEL_DIR.
const EnvPrefix = "STYLIZED_"

func applyEnv(c *Config) error {
	return env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix})
}
