// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. {env}.yaml（如 dev.yaml、prod.yaml）
//  3. common.yaml
//  4. 代码硬编码默认值
//
// 密码/令牌只从环境变量读取，YAML 中对应字段标记为 `yaml:"-"`。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/ci-keeper/
//     - dev/test → ./configs/
package config

import (
	"time"

	"ci-keeper/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	GitLab    GitLabConfig    `yaml:"gitlab"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	VM        VMConfig        `yaml:"vm"`
	Retry     RetryConfig     `yaml:"retry"`
	Pool      PoolConfig      `yaml:"pool"`
	Worker    WorkerConfig    `yaml:"worker"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Templates TemplatesConfig `yaml:"templates"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   logging.Config  `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// URL keeper 对外地址，写入 vms.keeper_url
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // DB_PASSWORD
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig 重试队列的 Redis 连接，未启用时使用内存队列
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`
	URL      string `yaml:"url"`    // 优先于 host/port/db
	Prefix   string `yaml:"prefix"` // 键前缀，多套环境共用一个 Redis 时区分
}

// EtcdConfig 探测排空的分布式锁，endpoints 为空表示不启用
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// GitLabConfig 代码托管平台
type GitLabConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"-"` // GITLAB_TOKEN，管理员令牌
	WebhookSecret string        `yaml:"-"` // WEBHOOK_SECRET
	Timeout       time.Duration `yaml:"timeout"`
}

// ScannerConfig 代码质量扫描器（SonarQube）
type ScannerConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"-"` // SCANNER_TOKEN
	Timeout time.Duration `yaml:"timeout"`
}

// SSHConfig 远程执行 VM 脚本的主机
type SSHConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // SSH_PASSWORD
	KeyFile  string `yaml:"key_file"`
}

// VMConfig VM 驱动与规格
type VMConfig struct {
	Driver         string        `yaml:"driver"` // "ssh" 或 "docker"
	Target         string        `yaml:"target"`
	SSH            SSHConfig     `yaml:"ssh"`
	ScriptDir      string        `yaml:"script_dir"`
	Box            string        `yaml:"box"`
	Memory         int           `yaml:"memory"`
	CPUs           int           `yaml:"cpus"`
	RunnerToken    string        `yaml:"-"` // RUNNER_TOKEN，项目未登记令牌时使用
	CommandTimeout time.Duration `yaml:"command_timeout"`
	DockerNetwork  string        `yaml:"docker_network"`
}

type RetryConfig struct {
	Interval        time.Duration `yaml:"interval"`
	DefaultPriority int           `yaml:"default_priority"`
	MaxAttempts     int           `yaml:"max_attempts"` // ReserveAny 遇到 CAS 冲突的重试次数
}

type PoolConfig struct {
	Seed []string `yaml:"seed"`
}

type WorkerConfig struct {
	Size        int           `yaml:"size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// MinIOConfig 对象存储（VM 日志与作业产物），endpoint 为空表示不启用
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"` // MINIO_ROOT_USER
	SecretKey string `yaml:"-"` // MINIO_ROOT_PASSWORD
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`

	// ArtifactMaxSize 作业产物单次上传上限（字节）
	ArtifactMaxSize  int64 `yaml:"artifact_max_size"`
	// ArtifactMaxFiles tar 包最多展开的文件数
	ArtifactMaxFiles int   `yaml:"artifact_max_files"`
}

// TemplatesConfig 模板存储后端
type TemplatesConfig struct {
	Driver        string `yaml:"driver"` // "sql"（默认）或 "mongodb"
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// AuthConfig 管理接口认证，JWTSecret 为空时不校验
type AuthConfig struct {
	JWTSecret string `yaml:"-"` // JWT_SECRET
	Issuer    string `yaml:"issuer"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string // 空表示使用内存队列
	Redis          RedisConfig
	Server         ServerConfig
	Etcd           EtcdConfig
	GitLab         GitLabConfig
	Scanner        ScannerConfig
	VM             VMConfig
	Retry          RetryConfig
	Pool           PoolConfig
	Worker         WorkerConfig
	MinIO          MinIOConfig
	Templates      TemplatesConfig
	Auth           AuthConfig
	Logging        logging.Config
	ConfigFilePath string // 实际加载的 {env}.yaml 路径
}
