// Package main ci-keeper 入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ci-keeper/internal/apiserver/auth"
	"ci-keeper/internal/apiserver/issue"
	"ci-keeper/internal/apiserver/server"
	"ci-keeper/internal/config"
	"ci-keeper/internal/keeper/artifact"
	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/keeper/ledger"
	"ci-keeper/internal/keeper/lifecycle"
	"ci-keeper/internal/keeper/notes"
	"ci-keeper/internal/keeper/pool"
	"ci-keeper/internal/keeper/retry"
	"ci-keeper/internal/keeper/scanner"
	"ci-keeper/internal/keeper/tracker"
	"ci-keeper/internal/keeper/vmdriver"
	"ci-keeper/internal/keeper/worker"
	"ci-keeper/internal/shared/infra"
	"ci-keeper/pkg/logging"
)

// drainLockTTL etcd 排空锁的租约秒数
const drainLockTTL = 30

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [--config dir] [token <subject> [role]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		// 支持直接指定 YAML 文件路径
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg := config.Load()

	if flag.Arg(0) == "token" {
		if err := runToken(cfg, flag.Args()[1:]); err != nil {
			log.Fatalf("Generate token failed: %v", err)
		}
		return
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Keeper stopped with error: %v", err)
	}
	fmt.Println("Keeper stopped")
}

// runToken 签发管理接口使用的 JWT
func runToken(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("subject is required: token <subject> [role]")
	}
	role := "admin"
	if len(args) > 1 {
		role = args[1]
	}
	token, err := auth.GenerateToken(authConfig(cfg), args[0], role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		Issuer:        cfg.Auth.Issuer,
		WebhookSecret: cfg.GitLab.WebhookSecret,
	}
}

func run(cfg *config.Config) error {
	cfg.Logging.Component = "keeper"
	logger := logging.New(cfg.Logging)

	log.Printf("Starting ci-keeper... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	inf, err := infra.New(cfg)
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer inf.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ipPool := pool.New(inf.Storage, logger)
	if n, err := ipPool.Seed(ctx, cfg.Pool.Seed); err != nil {
		return fmt.Errorf("seed ip pool: %w", err)
	} else if n > 0 {
		log.Printf("IP pool seeded with %d addresses", n)
	}
	l := ledger.New(inf.Storage, ipPool, ledger.WithMaxAttempts(cfg.Retry.MaxAttempts), ledger.WithLogger(logger))

	host, err := githost.NewClient(githost.Config{
		BaseURL: cfg.GitLab.URL,
		Token:   cfg.GitLab.Token,
		Timeout: cfg.GitLab.Timeout,
		Tokens:  inf.Storage,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init gitlab client: %w", err)
	}

	var archive vmdriver.LogArchiver
	if inf.Archive != nil {
		archive = inf.Archive
	}
	driver, err := vmdriver.New(cfg.VM, archive, logger)
	if err != nil {
		return fmt.Errorf("init vm driver: %w", err)
	}
	log.Printf("VM driver ready (driver=%s target=%s)", cfg.VM.Driver, driver.Name())

	probeOpts := retry.Options{
		Interval:        cfg.Retry.Interval,
		DefaultPriority: cfg.Retry.DefaultPriority,
		Logger:          logger,
	}
	if inf.Etcd != nil {
		locker := inf.Etcd.NewLocker("retry-drain", drainLockTTL)
		defer locker.Close()
		probeOpts.Locker = locker
	}
	prober := retry.New(inf.Queue, host, probeOpts)

	workers := worker.New(worker.Config{
		Name:        "lifecycle",
		Size:        cfg.Worker.Size,
		TaskTimeout: cfg.Worker.TaskTimeout,
	}, logger)

	coord := lifecycle.New(l, driver, host, inf.Storage, prober, workers, lifecycle.Config{
		Box:         cfg.VM.Box,
		Memory:      cfg.VM.Memory,
		CPUs:        cfg.VM.CPUs,
		RunnerToken: cfg.VM.RunnerToken,
		HostURL:     host.BaseURL(),
		KeeperURL:   cfg.Server.URL,
	}, logger)

	// 未配置扫描器时保持 nil 接口，接口返回 503
	var dispatcher issue.Dispatcher
	if cfg.Scanner.URL != "" {
		sc, err := scanner.NewClient(scanner.Config{
			BaseURL: cfg.Scanner.URL,
			Token:   cfg.Scanner.Token,
			Timeout: cfg.Scanner.Timeout,
		})
		if err != nil {
			return fmt.Errorf("init scanner client: %w", err)
		}
		dispatcher = scanner.NewDispatcher(sc, host, inf.Storage, logger)
	}

	deps := server.Deps{
		Store:           inf.Storage,
		Templates:       inf.Templates,
		Pool:            ipPool,
		Ledger:          l,
		Coordinator:     coord,
		Prober:          prober,
		Queue:           inf.Queue,
		Workers:         workers,
		Host:            host,
		Dispatcher:      dispatcher,
		Tracker:         tracker.New(host, inf.Storage, logger),
		Notes:           notes.New(inf.Templates, host, inf.Storage, logger),
		ArtifactMaxSize: cfg.MinIO.ArtifactMaxSize,
		Auth:            authConfig(cfg),
		DefaultPriority: cfg.Retry.DefaultPriority,
		Logger:          logger,
	}
	if inf.Archive != nil {
		deps.Artifacts = artifact.New(inf.Archive, cfg.MinIO.ArtifactMaxFiles, logger)
	}
	h := server.NewHandler(deps)

	go prober.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭：先停止接收请求，再等待后台任务
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("ci-keeper listening on :%s", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	cancel()
	prober.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Worker.TaskTimeout)
	defer waitCancel()
	if err := workers.Shutdown(waitCtx); err != nil {
		log.Printf("Worker shutdown error: %v", err)
	}
	return nil
}
