package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Delivery  DeliveryConfig  `json:"delivery" yaml:"delivery"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Sinks     SinksConfig     `json:"sinks" yaml:"sinks"`
	API       APIConfig       `json:"api" yaml:"api"`
	Results   ResultsConfig   `json:"results" yaml:"results"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Addr        string        `json:"addr" yaml:"addr"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	StartAtEnd   bool          `json:"start_at_end" yaml:"start_at_end"`
	Files        []string      `json:"files" yaml:"files"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone         string `json:"timezone" yaml:"timezone"`
	DefaultSourceApp string `json:"default_source_app" yaml:"default_source_app"`
}

type EngineConfig struct {
	Workers            int           `json:"workers" yaml:"workers"`
	CommitRetries      uint64        `json:"commit_retries" yaml:"commit_retries"`
	FingerprintBucket  time.Duration `json:"fingerprint_bucket" yaml:"fingerprint_bucket"`
	BurstLimit         int           `json:"burst_limit" yaml:"burst_limit"`
	MinAutoAmountCents int64         `json:"min_auto_amount_cents" yaml:"min_auto_amount_cents"`
	ConfirmDelay       time.Duration `json:"confirm_delay" yaml:"confirm_delay"`
	Filters            FiltersConfig `json:"filters" yaml:"filters"`
}

type FiltersConfig struct {
	BlockedPackages    []string `json:"blocked_packages" yaml:"blocked_packages"`
	OrderKeywords      []string `json:"order_keywords" yaml:"order_keywords"`
	PaymentKeywords    []string `json:"payment_keywords" yaml:"payment_keywords"`
	SkipGroupSummaries bool     `json:"skip_group_summaries" yaml:"skip_group_summaries"`
}

type DeliveryConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Workers      int           `json:"workers" yaml:"workers"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
}

type RetentionConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
}

type SinksConfig struct {
	Kafka KafkaSinkConfig `json:"kafka" yaml:"kafka"`
}

type KafkaSinkConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Brokers     []string `json:"brokers" yaml:"brokers"`
	PromptTopic string   `json:"prompt_topic" yaml:"prompt_topic"`
	CommitTopic string   `json:"commit_topic" yaml:"commit_topic"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type ResultsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

var (
	defaultBlockedPackages = []string{
		"com.taobao.taobao",
		"com.tmall.wireless",
		"com.jingdong.app.mall",
		"com.suning.mobile.ebuy",
		"com.xunmeng.pinduoduo",
		"com.amazon.mShop.android.shopping",
		"com.dangdang.buy2",
	}
	defaultOrderKeywords = []string{
		"订单", "下单", "已下单", "商品", "订单确认", "购物", "发货", "物流", "包裹", "配送", "签收",
		"order placed", "order confirmed", "shipped", "out for delivery", "delivered", "tracking",
	}
	defaultPaymentKeywords = []string{
		"支付", "付款", "扣款", "支付成功", "已支付", "收款", "已收款", "到账", "入账", "红包", "转账",
		"payment", "paid", "charged", "debited", "credited", "received", "transfer",
	}
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Storage:  StorageConfig{Driver: "sqlite", DSN: "file:notifyledger.db?_pragma=busy_timeout(5000)"},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000", IdleTimeout: 10 * time.Minute},
			UDP:           UDPConfig{Enabled: false, Addr: ":9001"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true, PollInterval: 200 * time.Millisecond},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultSourceApp: "unknown"},
		},
		Engine: EngineConfig{
			Workers:            4,
			CommitRetries:      3,
			FingerprintBucket:  60 * time.Second,
			BurstLimit:         10,
			MinAutoAmountCents: 20,
			ConfirmDelay:       0,
			Filters: FiltersConfig{
				BlockedPackages:    append([]string(nil), defaultBlockedPackages...),
				OrderKeywords:      append([]string(nil), defaultOrderKeywords...),
				PaymentKeywords:    append([]string(nil), defaultPaymentKeywords...),
				SkipGroupSummaries: true,
			},
		},
		Delivery: DeliveryConfig{
			Enabled:      true,
			Workers:      2,
			PollInterval: 2 * time.Second,
			BatchSize:    20,
		},
		Retention: RetentionConfig{Interval: time.Hour, MaxAge: 30 * 24 * time.Hour},
		Sinks:     SinksConfig{Kafka: KafkaSinkConfig{Enabled: false}},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Results:   ResultsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault falls back to DefaultConfig when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Ingest.FileTail.PollInterval <= 0 {
		cfg.Ingest.FileTail.PollInterval = 200 * time.Millisecond
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultSourceApp == "" {
		cfg.Ingest.Parser.DefaultSourceApp = "unknown"
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.FingerprintBucket <= 0 {
		cfg.Engine.FingerprintBucket = 60 * time.Second
	}
	if cfg.Engine.BurstLimit < 0 {
		cfg.Engine.BurstLimit = 0
	}
	if cfg.Delivery.Workers <= 0 {
		cfg.Delivery.Workers = 1
	}
	if cfg.Delivery.PollInterval <= 0 {
		cfg.Delivery.PollInterval = 2 * time.Second
	}
	if cfg.Delivery.BatchSize <= 0 {
		cfg.Delivery.BatchSize = 20
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = time.Hour
	}
	if cfg.Retention.MaxAge <= 0 {
		cfg.Retention.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Results.StoreLimit <= 0 {
		cfg.Results.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format unsupported: %q", cfg.LogFormat)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 || cfg.Sinks.Kafka.PromptTopic == "" || cfg.Sinks.Kafka.CommitTopic == "" {
			return errors.New("sinks.kafka requires brokers, prompt_topic, commit_topic")
		}
	}
	if cfg.Engine.MinAutoAmountCents < 0 {
		return errors.New("engine.min_auto_amount_cents must be >= 0")
	}
	if cfg.Engine.ConfirmDelay < 0 {
		return fmt.Errorf("engine.confirm_delay must be >= 0: %s", cfg.Engine.ConfirmDelay)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config. Reload and Watch are no-ops without a path.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if m.path == "" {
		return nil
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
