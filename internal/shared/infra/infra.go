// Package infra 基础设施聚合层
//
// 按配置初始化 keeper 依赖的外部资源：
//   - Storage：持久化存储（PostgreSQL / SQLite）
//   - Templates：模板存储，默认与 Storage 相同，可切换到 MongoDB
//   - Queue：重试队列（Redis 有序集合，未配置时为内存队列）
//   - Etcd：排空重试队列的分布式锁（可选）
//   - Archive：VM 脚本输出与作业产物归档（MinIO，可选）
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"ci-keeper/internal/config"
	objstore "ci-keeper/internal/shared/minio"
	"ci-keeper/internal/shared/queue"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/internal/shared/storage/dbutil"
	"ci-keeper/internal/shared/storage/etcd"
	"ci-keeper/internal/shared/storage/mongostore"
	"ci-keeper/internal/shared/storage/repository"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	Storage   storage.PersistentStore
	Templates storage.TemplateStore
	Queue     queue.RetryQueue

	// Etcd 为 nil 表示单实例部署，只用进程内锁
	Etcd *etcd.Store
	// Archive 为 nil 表示不归档，产物上传接口返回 503
	Archive *objstore.Client

	mongo *mongostore.Store
}

// New 按配置初始化基础设施，任一必需组件失败时关闭已打开的连接
func New(cfg *config.Config) (*Infrastructure, error) {
	i := &Infrastructure{}

	driver, err := dbutil.ParseDriverType(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	store, err := repository.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	i.Storage = store
	i.Templates = store
	log.Printf("[Infra] Storage ready (driver=%s)", driver)

	if cfg.Templates.Driver == "mongodb" {
		m, err := mongostore.NewStore(cfg.Templates.MongoURI, cfg.Templates.MongoDatabase)
		if err != nil {
			i.Close()
			return nil, err
		}
		i.mongo = m
		i.Templates = m
	}

	q, err := NewRetryQueue(cfg.RedisURL, cfg.Redis.Prefix)
	if err != nil {
		i.Close()
		return nil, err
	}
	i.Queue = q

	if cfg.EtcdEnabled() {
		es, err := etcd.NewStore(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
		})
		if err != nil {
			i.Close()
			return nil, err
		}
		i.Etcd = es
	}

	if cfg.MinIOEnabled() {
		// 归档是可选能力，失败只告警
		mc, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Printf("[Infra] MinIO disabled: %v", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = mc.EnsureBucket(ctx)
			cancel()
			if err != nil {
				log.Printf("[Infra] MinIO disabled: %v", err)
			} else {
				i.Archive = mc
			}
		}
	}

	return i, nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Queue != nil {
		if err := i.Queue.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Etcd != nil {
		if err := i.Etcd.Close(); err != nil {
			lastErr = err
		}
	}

	if i.mongo != nil {
		if err := i.mongo.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// NewInMemory 创建基于 SQLite 内存库与内存队列的基础设施（用于测试与本地调试）
func NewInMemory() (*Infrastructure, error) {
	store, err := repository.Open(dbutil.DriverSQLite, ":memory:")
	if err != nil {
		return nil, err
	}
	return &Infrastructure{
		Storage:   store,
		Templates: store,
		Queue:     queue.NewMemoryRetryQueue(),
	}, nil
}
