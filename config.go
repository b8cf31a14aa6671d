package minibase

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// 存储引擎配置项聚合
type Config struct {
	Dir string `yaml:"dir"` // 数据文件存放的目录

	// memstore 相关
	MaxMemStoreSize   int64 `yaml:"max_mem_store_size"`   // memstore 溢写阈值，默认 16MB
	MaxFlushRetries   int   `yaml:"max_flush_retries"`    // 溢写失败时的最大尝试次数，默认 10 次
	MaxThreadPoolSize int   `yaml:"max_thread_pool_size"` // 执行溢写任务的协程数，默认 5 个

	// 磁盘文件相关
	MaxDiskFiles          int `yaml:"max_disk_files"`            // 触发合并的文件个数阈值，默认 10 个
	BlockSizeUpLimit      int `yaml:"block_size_up_limit"`       // 数据块大小上限，默认 2MB
	BloomFilterHashCount  int `yaml:"bloom_filter_hash_count"`   // 布隆过滤器哈希函数个数，默认 3 个
	BloomFilterBitsPerKey int `yaml:"bloom_filter_bits_per_key"` // 布隆过滤器每个 key 占用的 bit 数，默认 10 个
	CompactIntervalMS     int `yaml:"compact_interval_ms"`       // 合并协程的检查间隔，默认 1000ms

	EnableWAL bool `yaml:"enable_wal"` // 是否开启预写日志，默认开启

	Logger *zap.Logger `yaml:"-"` // 默认不输出日志
}

// 配置文件构造器.
func NewConfig(dir string, opts ...ConfigOption) (*Config, error) {
	c := Config{
		Dir:       dir,
		EnableWAL: true,
	}
	return build(&c, opts...)
}

// 从 yaml 文件加载配置，未出现的字段使用默认值，opts 会覆盖文件中的值
func LoadConfig(file string, opts ...ConfigOption) (*Config, error) {
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	c := Config{
		EnableWAL: true,
	}
	if err = yaml.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", file, err)
	}
	return build(&c, opts...)
}

func build(c *Config, opts ...ConfigOption) (*Config, error) {
	// 加载配置项
	for _, opt := range opts {
		opt(c)
	}

	// 兜底修复
	repaire(c)

	return c, c.check()
}

// 确保数据目录存在，开启预写日志时一并创建 wal 目录
func (c *Config) check() error {
	if err := os.MkdirAll(c.Dir, os.ModePerm); err != nil {
		return err
	}
	if !c.EnableWAL {
		return nil
	}
	return os.MkdirAll(c.WALDir(), os.ModePerm)
}

func (c *Config) WALDir() string {
	return path.Join(c.Dir, "walfile")
}

func (c *Config) CompactInterval() time.Duration {
	return time.Duration(c.CompactIntervalMS) * time.Millisecond
}

// 配置项
type ConfigOption func(*Config)

// memstore 数据量达到该阈值后触发溢写，单位 byte. 默认为 16MB.
func WithMaxMemStoreSize(size int64) ConfigOption {
	return func(c *Config) {
		c.MaxMemStoreSize = size
	}
}

func WithMaxFlushRetries(retries int) ConfigOption {
	return func(c *Config) {
		c.MaxFlushRetries = retries
	}
}

func WithMaxThreadPoolSize(size int) ConfigOption {
	return func(c *Config) {
		c.MaxThreadPoolSize = size
	}
}

// 磁盘文件个数超过该阈值后触发合并. 默认为 10 个.
func WithMaxDiskFiles(n int) ConfigOption {
	return func(c *Config) {
		c.MaxDiskFiles = n
	}
}

// 数据块大小上限，单位 byte. 默认为 2MB.
func WithBlockSizeUpLimit(limit int) ConfigOption {
	return func(c *Config) {
		c.BlockSizeUpLimit = limit
	}
}

func WithBloomFilter(hashCount, bitsPerKey int) ConfigOption {
	return func(c *Config) {
		c.BloomFilterHashCount = hashCount
		c.BloomFilterBitsPerKey = bitsPerKey
	}
}

func WithCompactInterval(interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.CompactIntervalMS = int(interval.Milliseconds())
	}
}

func WithWAL(enable bool) ConfigOption {
	return func(c *Config) {
		c.EnableWAL = enable
	}
}

func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func repaire(c *Config) {
	if c.Dir == "" {
		c.Dir = "MiniBase"
	}

	// memstore 默认 16MB 触发溢写.
	if c.MaxMemStoreSize <= 0 {
		c.MaxMemStoreSize = 16 * 1024 * 1024
	}

	if c.MaxFlushRetries <= 0 {
		c.MaxFlushRetries = 10
	}

	if c.MaxThreadPoolSize <= 0 {
		c.MaxThreadPoolSize = 5
	}

	if c.MaxDiskFiles <= 0 {
		c.MaxDiskFiles = 10
	}

	// 数据块大小上限默认 2MB.
	if c.BlockSizeUpLimit <= 0 {
		c.BlockSizeUpLimit = 2 * 1024 * 1024
	}

	if c.BloomFilterHashCount <= 0 {
		c.BloomFilterHashCount = 3
	}

	if c.BloomFilterBitsPerKey <= 0 {
		c.BloomFilterBitsPerKey = 10
	}

	if c.CompactIntervalMS <= 0 {
		c.CompactIntervalMS = 1000
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
