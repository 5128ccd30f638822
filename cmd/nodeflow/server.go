package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/api/handlers"
	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/internal/database"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/internal/server"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/scheduler"
	"github.com/BaSui01/nodeflow/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 传输对账周期。节点回调丢失时兜底收敛传输状态。
const reconcileInterval = 30 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 Nodeflow 面板的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施
	pool          *database.PoolManager
	cacheManager  *cache.Manager
	resourceCache *cache.ResourceCache
	lease         scheduler.Lease

	// 领域组件
	recorder audit.Recorder
	nodes    *registry.Service
	issuer   *registry.Issuer
	orch     *transfer.Orchestrator
	runner   *scheduler.Runner
	sched    *scheduler.Service

	// Handlers
	healthHandler     *handlers.HealthHandler
	nodeHandler       *handlers.NodeHandler
	serverHandler     *handlers.ServerHandler
	credentialHandler *handlers.CredentialHandler
	transferHandler   *handlers.TransferHandler
	scheduleHandler   *handlers.ScheduleHandler
	callbackHandler   *handlers.CallbackHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台 goroutine 生命周期管理
	backgroundCancel  context.CancelFunc
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("nodeflow", nil, s.logger)

	// 2. 初始化基础设施（连接池、缓存）
	if err := s.initInfrastructure(); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}

	// 3. 初始化领域组件与 Handlers
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 4. 启动后台 goroutine（传输对账、计划任务轮询）
	s.startBackgroundWorkers()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_enabled", s.cfg.Redis.Enabled),
		zap.Bool("scheduler_enabled", s.cfg.Scheduler.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initInfrastructure 初始化数据库连接池与 Redis 缓存
func (s *Server) initInfrastructure() error {
	pool, err := database.NewPoolManager(s.db, database.PoolConfig{
		MaxIdleConns:        s.cfg.Database.MaxIdleConns,
		MaxOpenConns:        s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: time.Minute,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init pool manager: %w", err)
	}
	s.pool = pool

	if !s.cfg.Redis.Enabled {
		s.logger.Info("Redis disabled, resource cache and scheduler lease unavailable")
		return nil
	}

	manager, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	}, s.logger)
	if err != nil {
		// Redis 不可用降级运行，资源读直连节点
		s.logger.Warn("Redis not available, running without cache", zap.Error(err))
		return nil
	}

	s.cacheManager = manager
	s.resourceCache = cache.NewResourceCache(manager, 0)
	s.lease = cache.NewRedisLease(manager)
	return nil
}

// initComponents 初始化领域组件与所有 handlers
func (s *Server) initComponents() error {
	s.recorder = audit.NewGormRecorder(s.db, s.logger)
	s.nodes = registry.NewService(s.db, s.recorder, s.logger)
	s.issuer = registry.NewIssuer(s.cfg.Token)

	// 节点代理客户端工厂。各组件各取所需的窄接口。
	newClient := func(node *registry.Node) *remote.Client {
		client := remote.NewClient(node, s.cfg.Agent, s.logger)
		client.SetMetrics(s.metricsCollector)
		return client
	}

	s.orch = transfer.NewOrchestrator(s.db, s.nodes, s.issuer,
		func(node *registry.Node) transfer.AgentClient { return newClient(node) },
		s.recorder, s.logger)
	s.orch.SetMetrics(s.metricsCollector)

	s.sched = scheduler.NewService(s.db, s.recorder, s.logger)
	s.runner = scheduler.NewRunner(s.db, s.nodes,
		func(node *registry.Node) scheduler.AgentClient { return newClient(node) },
		s.recorder, s.lease, s.logger, s.cfg.Scheduler)
	s.runner.SetMetrics(s.metricsCollector)

	notifier := fleet.NewLogNotifier(s.logger)

	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "database",
		Fn:        s.pool.Ping,
	})
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
			CheckName: "redis",
			Fn:        s.cacheManager.Ping,
		})
	}

	s.nodeHandler = handlers.NewNodeHandler(s.nodes, s.logger)
	s.serverHandler = handlers.NewServerHandler(s.db, s.nodes,
		func(node *registry.Node) handlers.ServerAgent { return newClient(node) },
		s.resourceCache, s.recorder, s.metricsCollector, s.logger)
	s.credentialHandler = handlers.NewCredentialHandler(s.db, s.nodes, s.issuer, s.recorder, s.logger)
	s.transferHandler = handlers.NewTransferHandler(s.orch, s.logger)
	s.scheduleHandler = handlers.NewScheduleHandler(s.sched, s.runner, s.logger)
	s.callbackHandler = handlers.NewCallbackHandler(s.db, s.nodes, s.orch,
		notifier, s.recorder, s.metricsCollector, s.logger)

	s.logger.Info("Components initialized")
	return nil
}

// startBackgroundWorkers 启动传输对账与计划任务轮询 goroutine
func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.backgroundCancel = cancel

	// 传输对账循环
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.orch.Reconcile(ctx); err != nil {
					s.logger.Warn("transfer reconcile failed", zap.Error(err))
				}
			}
		}
	}()

	// 连接池指标采样
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.pool.Stats()
				s.metricsCollector.RecordDBConnections(s.cfg.Database.Name,
					stats.OpenConnections, stats.Idle)
			}
		}
	}()

	// 计划任务轮询
	if s.cfg.Scheduler.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runner.Run(ctx)
		}()
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 操作员 API（JWT 保护）
	// ========================================
	mux.HandleFunc("POST /api/nodes", s.nodeHandler.HandleRegister)
	mux.HandleFunc("GET /api/nodes", s.nodeHandler.HandleList)
	mux.HandleFunc("GET /api/nodes/{id}", s.nodeHandler.HandleGet)
	mux.HandleFunc("PUT /api/nodes/{id}", s.nodeHandler.HandleUpdate)
	mux.HandleFunc("POST /api/nodes/{id}/maintenance", s.nodeHandler.HandleMaintenance)
	mux.HandleFunc("POST /api/nodes/{id}/rotate", s.nodeHandler.HandleRotateSecret)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.nodeHandler.HandleDelete)

	mux.HandleFunc("POST /api/servers/{id}/power", s.serverHandler.HandlePower)
	mux.HandleFunc("POST /api/servers/{id}/command", s.serverHandler.HandleCommand)
	mux.HandleFunc("GET /api/servers/{id}/resources", s.serverHandler.HandleResources)

	mux.HandleFunc("POST /api/credentials", s.credentialHandler.HandleIssue)

	mux.HandleFunc("POST /api/transfers", s.transferHandler.HandleInitiate)
	mux.HandleFunc("DELETE /api/servers/{uuid}/transfer", s.transferHandler.HandleCancel)

	mux.HandleFunc("POST /api/schedules", s.scheduleHandler.HandleCreate)
	mux.HandleFunc("GET /api/schedules", s.scheduleHandler.HandleList)
	mux.HandleFunc("GET /api/schedules/{id}", s.scheduleHandler.HandleGet)
	mux.HandleFunc("PUT /api/schedules/{id}", s.scheduleHandler.HandleUpdate)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.scheduleHandler.HandleDelete)
	mux.HandleFunc("POST /api/schedules/{id}/tasks", s.scheduleHandler.HandleAddTask)
	mux.HandleFunc("DELETE /api/schedules/{id}/tasks/{task}", s.scheduleHandler.HandleRemoveTask)
	mux.HandleFunc("POST /api/schedules/{id}/execute", s.scheduleHandler.HandleExecute)

	// ========================================
	// 节点回调 API（节点凭证鉴权，跳过操作员 JWT）
	// ========================================
	mux.HandleFunc("POST /api/remote/activity", s.callbackHandler.HandleActivity)
	mux.HandleFunc("POST /api/remote/backups/{backup}", s.callbackHandler.HandleBackupStatus)
	mux.HandleFunc("POST /api/remote/servers/{uuid}/install", s.callbackHandler.HandleInstallStatus)
	mux.HandleFunc("POST /api/remote/servers/{uuid}/transfer", s.callbackHandler.HandleTransferStatus)
	mux.HandleFunc("POST /api/remote/heartbeat", s.callbackHandler.HandleHeartbeat)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	skipAuthPrefixes := []string{"/api/remote/"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.JWT, skipAuthPaths, skipAuthPrefixes, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止后台 goroutine（对账、轮询、限流清理）
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 等待所有 goroutine 完成
	s.wg.Wait()

	// 5. 关闭缓存与数据库连接
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown complete")
}
