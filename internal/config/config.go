package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ci-keeper/pkg/logging"
)

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息）
// 2. 默认值 → common.yaml → {env}.yaml
// 3. 环境变量覆盖，填充默认值
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, loadedFrom := loadYAMLConfig(env, effectiveConfigPaths())
	cfg := build(env, yamlCfg)
	cfg.ConfigFilePath = loadedFrom
	return cfg
}

// defaultYAMLConfig 代码硬编码默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", Host: "localhost", Port: 5432, User: "keeper", Name: "ci_keeper", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		Etcd:     EtcdConfig{Prefix: "/ci-keeper", DialTimeout: 5 * time.Second},
		GitLab:   GitLabConfig{Timeout: 30 * time.Second},
		Scanner:  ScannerConfig{Timeout: 30 * time.Second},
		VM: VMConfig{
			Driver:         "ssh",
			Target:         "vagrant",
			SSH:            SSHConfig{Port: 22},
			ScriptDir:      "/opt/keeper/scripts",
			Memory:         4096,
			CPUs:           2,
			CommandTimeout: 15 * time.Minute,
		},
		Retry:     RetryConfig{Interval: 5 * time.Second, DefaultPriority: 10, MaxAttempts: 3},
		Worker:    WorkerConfig{Size: 4, TaskTimeout: 30 * time.Minute},
		MinIO:     MinIOConfig{Bucket: "ci-keeper", ArtifactMaxSize: 512 << 20, ArtifactMaxFiles: 10000},
		Templates: TemplatesConfig{Driver: "sql", MongoDatabase: "ci_keeper"},
		Logging:   logging.Config{Level: "info", Format: "text", Output: "stdout"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml，返回 {env}.yaml 的实际路径
func loadYAMLConfig(env Environment, paths []string) (*YAMLConfig, string) {
	cfg := defaultYAMLConfig()

	for _, base := range paths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	loadedFrom := ""
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range paths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			loadedFrom = path
			break
		}
	}

	return cfg, loadedFrom
}

// build 合并环境变量并生成最终配置
func build(env Environment, y *YAMLConfig) *Config {
	y.Database.Password = getEnv("DB_PASSWORD", "keeper_dev_password")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	y.GitLab.Token = os.Getenv("GITLAB_TOKEN")
	y.GitLab.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	y.Scanner.Token = os.Getenv("SCANNER_TOKEN")
	y.VM.SSH.Password = os.Getenv("SSH_PASSWORD")
	y.VM.RunnerToken = os.Getenv("RUNNER_TOKEN")
	y.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	y.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	y.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		y.Logging.Level = v
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(y.Database.Driver, databaseURL)
	y.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(y.Database, y.Database.Password)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" && (y.Redis.Enabled || y.Redis.URL != "") {
		redisURL = buildRedisURL(y.Redis)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		RedisURL:       redisURL,
		Redis:          y.Redis,
		Server:         y.Server,
		Etcd:           y.Etcd,
		GitLab:         y.GitLab,
		Scanner:        y.Scanner,
		VM:             y.VM,
		Retry:          y.Retry,
		Pool:           y.Pool,
		Worker:         y.Worker,
		MinIO:          y.MinIO,
		Templates:      y.Templates,
		Auth:           y.Auth,
		Logging:        y.Logging,
	}
	cfg.validate()
	return cfg
}

// validate 填充缺省值
func (c *Config) validate() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Retry.Interval <= 0 {
		c.Retry.Interval = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Worker.Size <= 0 {
		c.Worker.Size = 4
	}
	if c.Worker.TaskTimeout <= 0 {
		c.Worker.TaskTimeout = 30 * time.Minute
	}
	if c.VM.CommandTimeout <= 0 {
		c.VM.CommandTimeout = 15 * time.Minute
	}
	if c.VM.SSH.Port == 0 {
		c.VM.SSH.Port = 22
	}
	c.VM.Driver = strings.ToLower(c.VM.Driver)
	if c.VM.Driver != "docker" {
		c.VM.Driver = "ssh"
	}
	c.Templates.Driver = strings.ToLower(c.Templates.Driver)
	if c.Templates.Driver != "mongodb" {
		c.Templates.Driver = "sql"
	}
	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = 30 * time.Second
	}
	if c.Scanner.Timeout <= 0 {
		c.Scanner.Timeout = 30 * time.Second
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.MinIO.ArtifactMaxSize <= 0 {
		c.MinIO.ArtifactMaxSize = 512 << 20
	}
	if c.MinIO.ArtifactMaxFiles <= 0 {
		c.MinIO.ArtifactMaxFiles = 10000
	}
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// EtcdEnabled 是否配置了 etcd 分布式锁
func (c *Config) EtcdEnabled() bool {
	return len(c.Etcd.Endpoints) > 0
}

// MinIOEnabled 是否配置了对象存储（VM 日志与作业产物）
func (c *Config) MinIOEnabled() bool {
	return c.MinIO.Endpoint != ""
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	redis := c.RedisURL
	if redis == "" {
		redis = "memory"
	}
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Queue: %s, VM: %s/%s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(redis), c.VM.Driver, c.VM.Target)
}
