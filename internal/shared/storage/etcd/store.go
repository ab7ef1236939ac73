// Package etcd etcd 客户端与分布式锁
//
// 多个 keeper 实例共享重试队列时，用 etcd 互斥锁保证同一时刻只有一个实例在排空队列。
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Store etcd 客户端
type Store struct {
	client *clientv3.Client
	prefix string
}

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewStore 创建 etcd 客户端
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/ci-keeper"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &Store{
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 etcd 客户端
func (s *Store) Client() *clientv3.Client {
	return s.client
}

// Prefix 返回 key 前缀
func (s *Store) Prefix() string {
	return s.prefix
}

// Locker 基于 concurrency.Mutex 的非阻塞锁
//
// 会话租约过期（进程卡死或网络分区）后锁自动释放。
type Locker struct {
	client *clientv3.Client
	key    string
	ttl    int

	mu      sync.Mutex
	session *concurrency.Session
}

// NewLocker 创建名为 name 的锁，ttl 为会话租约秒数
func (s *Store) NewLocker(name string, ttl int) *Locker {
	if ttl <= 0 {
		ttl = 15
	}
	return &Locker{
		client: s.client,
		key:    fmt.Sprintf("%s/locks/%s", s.prefix, name),
		ttl:    ttl,
	}
}

// Key 返回锁的 etcd key 前缀
func (l *Locker) Key() string {
	return l.key
}

// currentSession 复用会话，过期后重建
func (l *Locker) currentSession() (*concurrency.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		select {
		case <-l.session.Done():
			l.session = nil
		default:
			return l.session, nil
		}
	}
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	l.session = session
	return session, nil
}

// TryLock 尝试获取锁，已被其他实例持有时返回 ok=false
func (l *Locker) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	session, err := l.currentSession()
	if err != nil {
		return nil, false, err
	}

	m := concurrency.NewMutex(session, l.key)
	if err := m.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("etcd trylock %s: %w", l.key, err)
	}

	release = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.Unlock(ctx); err != nil {
			log.Printf("[etcd] Unlock %s failed: %v", l.key, err)
		}
	}
	return release, true, nil
}

// Close 结束会话，释放租约
func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}
