package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"liquiditySync/internal/model"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL  string
	ChainID uint64

	DatabaseURL string
	TablePrefix string

	Universe          string
	BlockInterval     time.Duration
	SafetyMargin      float64
	ScrapeRates       map[string]float64
	ScrapeConcurrency int
	WaitTimeout       time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	StateView         string
	CallBatchSize     int

	CompactThreshold int
	ReplayWorkers    int
	SyncSpec         string

	NATSURL     string
	FeedDurable string
	FeedMaxAge  time.Duration
	AckWait     time.Duration
	MaxDeliver  int

	HTTPAddr   string
	StaleAfter time.Duration

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("table-prefix", "network")
	v.SetDefault("universe", "./data/universe.json")
	v.SetDefault("block-interval", 12*time.Second)
	v.SetDefault("safety-margin", 0.8)
	v.SetDefault("scrape-rates", "v2=22,v3=3.2,v4=2.1")
	v.SetDefault("scrape-concurrency", 8)
	v.SetDefault("wait-timeout", 15*time.Second)
	v.SetDefault("poll-interval", 500*time.Millisecond)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("call-batch-size", 128)
	v.SetDefault("compact-threshold", 500)
	v.SetDefault("replay-workers", 8)
	v.SetDefault("sync-spec", "*/30 * * * * *")
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("feed-durable", "liquidity-sync")
	v.SetDefault("feed-max-age", 72*time.Hour)
	v.SetDefault("ack-wait", 30*time.Second)
	v.SetDefault("max-deliver", 5)
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("stale-after", time.Hour)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		ChainID:           v.GetUint64("chain-id"),
		DatabaseURL:       v.GetString("database-url"),
		TablePrefix:       v.GetString("table-prefix"),
		Universe:          v.GetString("universe"),
		BlockInterval:     v.GetDuration("block-interval"),
		SafetyMargin:      v.GetFloat64("safety-margin"),
		ScrapeRates:       getFloat64Map(v, "scrape-rates"),
		ScrapeConcurrency: v.GetInt("scrape-concurrency"),
		WaitTimeout:       v.GetDuration("wait-timeout"),
		PollInterval:      v.GetDuration("poll-interval"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		StateView:         v.GetString("state-view"),
		CallBatchSize:     v.GetInt("call-batch-size"),
		CompactThreshold:  v.GetInt("compact-threshold"),
		ReplayWorkers:     v.GetInt("replay-workers"),
		SyncSpec:          v.GetString("sync-spec"),
		NATSURL:           v.GetString("nats-url"),
		FeedDurable:       v.GetString("feed-durable"),
		FeedMaxAge:        v.GetDuration("feed-max-age"),
		AckWait:           v.GetDuration("ack-wait"),
		MaxDeliver:        v.GetInt("max-deliver"),
		HTTPAddr:          v.GetString("http-addr"),
		StaleAfter:        v.GetDuration("stale-after"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}

// ProtocolRates converts the configured tier names to protocol tags.
func (c Config) ProtocolRates() (map[model.Protocol]float64, error) {
	out := make(map[model.Protocol]float64, len(c.ScrapeRates))
	for name, rate := range c.ScrapeRates {
		protocol, err := model.ParseProtocol(name)
		if err != nil {
			return nil, fmt.Errorf("scrape rate %q: %w", name, err)
		}
		out[protocol] = rate
	}
	return out, nil
}

func getFloat64Map(v *viper.Viper, key string) map[string]float64 {
	if !v.IsSet(key) {
		return map[string]float64{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]float64:
		return typed
	case map[string]interface{}:
		out := make(map[string]float64, len(typed))
		for k, item := range typed {
			f, err := toFloat64(item)
			if err != nil {
				continue
			}
			out[k] = f
		}
		return out
	case string:
		return parseFloat64Map(typed)
	default:
		return map[string]float64{}
	}
}

// parseFloat64Map reads "v2=22,v3=3.2" style values from env or flags.
func parseFloat64Map(input string) map[string]float64 {
	out := make(map[string]float64)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || key == "" {
			continue
		}
		out[key] = f
	}
	return out
}

func toFloat64(val interface{}) (float64, error) {
	switch typed := val.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	default:
		return 0, fmt.Errorf("cannot read %T as float", val)
	}
}
