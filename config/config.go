// vdaserver/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vdaserver/ytdlp"
)

// EnvPrefix is prepended to every key when read from the environment,
// so DOWNLOADS_FOLDER is taken from VDA_DOWNLOADS_FOLDER.
const EnvPrefix = "VDA"

type Config struct {
	Host                string        `mapstructure:"HOST"`
	Port                int           `mapstructure:"PORT"`
	DownloadsFolder     string        `mapstructure:"DOWNLOADS_FOLDER"`
	YtdlpBin            string        `mapstructure:"YTDLP_BIN"`
	FFmpegBin           string        `mapstructure:"FFMPEG_BIN"`
	YtdlpExtraArgs      string        `mapstructure:"YTDLP_EXTRA_ARGS"`
	ProbeTimeout        time.Duration `mapstructure:"PROBE_TIMEOUT"`
	VerifyTimeout       time.Duration `mapstructure:"VERIFY_TIMEOUT"`
	PremiumProbeURL     string        `mapstructure:"PREMIUM_PROBE_URL"`
	ConcurrentFragments int           `mapstructure:"CONCURRENT_FRAGMENTS"`
	Retries             int           `mapstructure:"RETRIES"`
	MaxQueueDepth       int           `mapstructure:"MAX_QUEUE_DEPTH"`
	MaxBodySize         int64         `mapstructure:"MAX_BODY_SIZE"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ShutdownTimeout     time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	Verbose             bool          `mapstructure:"VERBOSE"`

	// ExtraArgs is YtdlpExtraArgs split into arguments by Validate.
	ExtraArgs []string `mapstructure:"-"`
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"host":         "HOST",
	"port":         "PORT",
	"download-dir": "DOWNLOADS_FOLDER",
	"verbose":      "VERBOSE",
}

// stringToDurationHookFunc parses Go duration strings into time.Duration.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings ("64KB") into int64 bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let the weak decoder have a go at it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

// Load reads the configuration from defaults, an optional vda_config.yaml,
// VDA_* environment variables and, when flags is non-nil, any changed CLI flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	vp := viper.New()

	vp.SetDefault("HOST", "127.0.0.1")
	vp.SetDefault("PORT", 8080)
	vp.SetDefault("DOWNLOADS_FOLDER", "")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("FFMPEG_BIN", "ffmpeg")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("PROBE_TIMEOUT", "5s")
	vp.SetDefault("VERIFY_TIMEOUT", "30s")
	vp.SetDefault("PREMIUM_PROBE_URL", "https://www.cda.pl")
	vp.SetDefault("CONCURRENT_FRAGMENTS", 10)
	vp.SetDefault("RETRIES", 10)
	vp.SetDefault("MAX_QUEUE_DEPTH", 0)
	vp.SetDefault("MAX_BODY_SIZE", "64KB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("SHUTDOWN_TIMEOUT", "5s")
	vp.SetDefault("VERBOSE", false)

	vp.SetConfigName("vda_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		vp.AddConfigPath(filepath.Join(dir, "vdaserver"))
	}

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			vp.SetConfigFile(f.Value.String())
		}
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := vp.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if cfg.DownloadsFolder == "" {
		cfg.DownloadsFolder = DefaultDownloadsFolder()
	}
	if abs, err := filepath.Abs(cfg.DownloadsFolder); err == nil {
		cfg.DownloadsFolder = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the server unusable and splits
// the extra downloader arguments.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.YtdlpBin == "" {
		return fmt.Errorf("YTDLP_BIN must not be empty")
	}
	if c.ConcurrentFragments < 1 {
		c.ConcurrentFragments = 1
	}
	if c.Retries < 0 {
		c.Retries = 0
	}

	c.ExtraArgs = nil
	if strings.TrimSpace(c.YtdlpExtraArgs) != "" {
		args, err := ytdlp.SplitArgs(c.YtdlpExtraArgs)
		if err != nil {
			return fmt.Errorf("invalid YTDLP_EXTRA_ARGS: %w", err)
		}
		if err := ytdlp.ValidateExtraArgs(args); err != nil {
			return fmt.Errorf("invalid YTDLP_EXTRA_ARGS: %w", err)
		}
		c.ExtraArgs = args
	}
	return nil
}

// Addr is the listen address of the HTTP front end.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultDownloadsFolder is ~/Downloads, or "Downloads" relative to the
// working directory when the home directory cannot be determined.
func DefaultDownloadsFolder() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "Downloads"
	}
	return filepath.Join(home, "Downloads")
}
