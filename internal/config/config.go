package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Paths      PathsConfig
	Extensions []string
	Embedding  EmbeddingConfig
	Match      MatchConfig
	Encode     EncodeConfig
	Downscale  DownscaleConfig
	Store      StoreConfig
	Database   DatabaseConfig
	Web        WebConfig
	Log        LogConfig
}

type PathsConfig struct {
	Photos  string `yaml:"photos"`  // corpus root, used by encode and as the export source
	Store   string `yaml:"store"`   // embedding store file
	Results string `yaml:"results"` // where match exports copy files to
}

type EmbeddingConfig struct {
	URL        string  `yaml:"url"`   // face embedding server, defaults to http://localhost:8000
	Model      string  `yaml:"model"` // label recorded in the store
	TimeoutSec int     `yaml:"timeout_sec"`
	RPS        float64 `yaml:"rps"` // client side request rate limit, 0 disables
}

// Timeout returns the HTTP timeout for embedding requests.
func (c *EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type MatchConfig struct {
	Threshold float64 `yaml:"threshold"`
	Top       int     `yaml:"top"` // rows printed by the match command
}

type EncodeConfig struct {
	CheckpointEvery int `yaml:"checkpoint_every"`
}

type DownscaleConfig struct {
	MaxWidth int `yaml:"max_width"`
	Quality  int `yaml:"quality"`
}

type StoreConfig struct {
	Compression string `yaml:"compression"` // none, lz4 or zstd
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL (pgvector mirror, optional)
	MaxOpenConns int
	MaxIdleConns int
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS whitelist, localhost is always allowed
	SearchK        int      `yaml:"search_k"`        // neighbours requested from the HNSW index, 0 scans the store
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// defaults mirrors the layout of defaults.yaml.
type defaults struct {
	Paths      PathsConfig     `yaml:"paths"`
	Extensions []string        `yaml:"extensions"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Match      MatchConfig     `yaml:"match"`
	Encode     EncodeConfig    `yaml:"encode"`
	Downscale  DownscaleConfig `yaml:"downscale"`
	Store      StoreConfig     `yaml:"store"`
	Web        WebConfig       `yaml:"web"`
	Log        LogConfig       `yaml:"log"`
}

func loadDefaults() defaults {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// Embedded file, this can only fail on a broken build.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return d
}

// envString reads an environment variable, falling back to defaultVal when unset or empty.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a non-negative integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a non-negative float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envList reads a comma separated extension list, e.g. IMAGE_EXTENSIONS=".jpg,png".
func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	out := NormalizeExtensions(strings.Split(s, ","))
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// envOrigins reads a comma separated list of origins.
func envOrigins(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for o := range strings.SplitSeq(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// NormalizeExtensions lower-cases extensions and adds the leading dot,
// dropping empty entries.
func NormalizeExtensions(exts []string) []string {
	var out []string
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func Load() *Config {
	d := loadDefaults()

	return &Config{
		Paths: PathsConfig{
			Photos:  envString("PHOTOS_DIR", d.Paths.Photos),
			Store:   envString("STORE_PATH", d.Paths.Store),
			Results: envString("RESULTS_DIR", d.Paths.Results),
		},
		Extensions: envList("IMAGE_EXTENSIONS", d.Extensions),
		Embedding: EmbeddingConfig{
			URL:        envString("EMBEDDING_URL", d.Embedding.URL),
			Model:      envString("EMBEDDING_MODEL", d.Embedding.Model),
			TimeoutSec: envInt("EMBEDDING_TIMEOUT_SEC", d.Embedding.TimeoutSec),
			RPS:        envFloat("EMBEDDING_RPS", d.Embedding.RPS),
		},
		Match: MatchConfig{
			Threshold: envFloat("MATCH_THRESHOLD", d.Match.Threshold),
			Top:       envInt("MATCH_TOP", d.Match.Top),
		},
		Encode: EncodeConfig{
			CheckpointEvery: envInt("CHECKPOINT_EVERY", d.Encode.CheckpointEvery),
		},
		Downscale: DownscaleConfig{
			MaxWidth: envInt("DOWNSCALE_MAX_WIDTH", d.Downscale.MaxWidth),
			Quality:  envInt("DOWNSCALE_QUALITY", d.Downscale.Quality),
		},
		Store: StoreConfig{
			Compression: envString("STORE_COMPRESSION", d.Store.Compression),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", d.Web.Host),
			Port:           envInt("WEB_PORT", d.Web.Port),
			AllowedOrigins: envOrigins("WEB_ALLOWED_ORIGINS", d.Web.AllowedOrigins),
			SearchK:        envInt("WEB_SEARCH_K", d.Web.SearchK),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", d.Log.Level),
			Format: envString("LOG_FORMAT", d.Log.Format),
		},
	}
}
