package pds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/repo"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config is the server's configuration file.
type Config struct {
	// DataDir holds the database and, with the file backend, the blocks.
	DataDir string `yaml:"dataDir"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Hostname is the server's public host name, as relays should crawl it.
	Hostname string         `yaml:"hostname"`
	Storage  StorageConfig  `yaml:"storage"`
	MST      MSTConfig      `yaml:"mst"`
	Blobs    BlobsConfig    `yaml:"blobs"`
	Firehose FirehoseConfig `yaml:"firehose"`
	GC       GCConfig       `yaml:"gc"`
	Log      LogConfig      `yaml:"log"`
	// Auth maps bearer tokens to the DIDs they may write as. Without any,
	// the write endpoint is disabled.
	Auth map[string]string `yaml:"auth"`
}

// StorageConfig selects where account blocks go. Heads, keys and events are
// always kept in the database under DataDir.
type StorageConfig struct {
	// Backend is "badger", "file" or "s3".
	Backend       string   `yaml:"backend"`
	MinimumFreeGB int      `yaml:"minimumFreeGB"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
}

type MSTConfig struct {
	Fanout uint `yaml:"fanout"`
	// KeyHash is "sha256" or "blake2b".
	KeyHash       string `yaml:"keyHash"`
	NodeCacheSize int    `yaml:"nodeCacheSize"`
}

type BlobsConfig struct {
	MaxSize int64 `yaml:"maxSize"`
}

type FirehoseConfig struct {
	// RetainEvents is how many events stay replayable. Zero keeps them all.
	RetainEvents     uint64        `yaml:"retainEvents"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	Relays           []string      `yaml:"relays"`
	CrawlInterval    time.Duration `yaml:"crawlInterval"`
}

type GCConfig struct {
	// Interval between garbage collections of every account. Zero disables.
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "text" or "json"; empty picks text on a terminal.
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Listen:  ":2583",
		Storage: StorageConfig{
			Backend:       "badger",
			MinimumFreeGB: 1,
		},
		MST: MSTConfig{
			Fanout:        16,
			KeyHash:       "sha256",
			NodeCacheSize: 10000,
		},
		Blobs: BlobsConfig{MaxSize: 50 << 20},
		Firehose: FirehoseConfig{
			RetainEvents:     1_000_000,
			SubscriberBuffer: 1024,
			CrawlInterval:    20 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	switch c.Storage.Backend {
	case "badger", "file":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if _, err := c.keyHash(); err != nil {
		errs = append(errs, fmt.Errorf("mst.keyHash: %w", err))
	}
	if _, err := mst.New(mst.Config{Store: mst.NewMemoryBlockstore(), Fanout: c.MST.Fanout}); err != nil {
		errs = append(errs, fmt.Errorf("mst.fanout: %w", err))
	}
	if c.Blobs.MaxSize < 0 {
		errs = append(errs, errors.New("blobs.maxSize is negative"))
	}
	if len(c.Firehose.Relays) > 0 && c.Hostname == "" {
		errs = append(errs, errors.New("hostname is required to request crawls from relays"))
	}
	for token, did := range c.Auth {
		if token == "" || did == "" {
			errs = append(errs, errors.New("auth tokens and DIDs can't be empty"))
			break
		}
	}
	if c.GC.Interval < 0 || c.Firehose.CrawlInterval < 0 {
		errs = append(errs, errors.New("intervals can't be negative"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) keyHash() (mst.KeyHash, error) {
	return mst.ParseKeyHash(c.MST.KeyHash)
}

func (c *Config) repoConfig() repo.Config {
	kh, _ := c.keyHash()
	rc := repo.Config{
		Fanout:      c.MST.Fanout,
		KeyHash:     kh,
		MaxBlobSize: c.Blobs.MaxSize,
	}
	if c.MST.NodeCacheSize > 0 {
		rc.NodeCache = mst.NewNodeCache(c.MST.NodeCacheSize)
	}
	return rc
}

// NewLogger builds the logger described by c, writing to out.
func (c LogConfig) NewLogger(out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	format := c.Format
	if format == "" {
		format = "json"
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
