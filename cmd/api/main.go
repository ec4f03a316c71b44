package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "agrifinance/api/swagger" // swagger docs
	"agrifinance/internal/chain"
	"agrifinance/internal/config"
	"agrifinance/internal/database"
	"agrifinance/internal/events"
	"agrifinance/internal/handler"
	"agrifinance/internal/middleware"
	"agrifinance/internal/repository"
	"agrifinance/internal/service"
	"agrifinance/internal/websocket"
	"agrifinance/internal/worker"
	"agrifinance/pkg/retry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// @title           AgriFinance API
// @version         1.0
// @description     Approval workflow, custodial wallets and land NFTs backed by an EVM chain.
// @host            localhost:8080
// @BasePath        /api
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	logger.Info("connected to PostgreSQL")

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    retry.Default.MaxDelay,
	}
	var chainClient chain.Client = chain.Disabled{}
	if cfg.Chain.Enabled() {
		eth, err := chain.NewEthereumClient(ctx, cfg.Chain, policy, logger)
		if err != nil {
			return err
		}
		defer eth.Close()
		chainClient = eth
		logger.Info("chain client ready", zap.String("custodian", eth.CustodianAddress()), zap.Int64("chain_id", cfg.Chain.ChainID))
	} else {
		logger.Warn("RPC_URL not set, on-chain execution is disabled")
	}

	wsHub := websocket.NewHub(logger)
	go wsHub.Run(ctx)

	publisher := events.Multi{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger), logger)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Warn("failed to close kafka writer", zap.Error(err))
			}
		}()
		publisher = append(publisher, kafkaPublisher)
	}

	// Repository -> Service -> Handler
	txManager := repository.NewTransactionManager(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	nftRepo := repository.NewNFTRepository(db)
	walletRepo := repository.NewWalletRepository(db)
	chainTxRepo := repository.NewBlockchainTxRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	executor := service.NewExecutor(chainClient, chainTxRepo, nftRepo, walletRepo, txManager, cfg.Chain.WaitForReceipt, logger)
	approvalService := service.NewApprovalService(approvalRepo, auditRepo, txManager, executor, publisher, cfg.ExecutionLease, logger)
	userService := service.NewUserService(userRepo, walletRepo, auditRepo, txManager, cfg.JWTSecret, logger)
	auditService := service.NewAuditService(auditRepo)
	nftService := service.NewNFTService(nftRepo, walletRepo, userRepo, auditRepo, txManager, approvalService, logger)
	walletService := service.NewWalletService(walletRepo, txManager, approvalService, logger)
	syncService := service.NewSyncService(chainClient, chainTxRepo, auditRepo, txManager, publisher, cfg.SyncBatchSize, logger)
	reconciliationService := service.NewReconciliationService(chainClient, walletRepo, nftRepo, userRepo, alertRepo, auditRepo, txManager, publisher, cfg.ReconcileToleranceBPS, logger)

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := userService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return err
		}
	}

	scheduler := worker.NewScheduler(cfg.ExecutionLease, logger)
	if chainClient.Enabled() {
		if err := scheduler.Add("chain_sync", cfg.SyncSchedule, worker.SyncJob(syncService, logger)); err != nil {
			return err
		}
		if err := scheduler.Add("reconciliation", cfg.ReconcileSchedule, worker.ReconcileJob(reconciliationService, logger)); err != nil {
			return err
		}
	}
	scheduler.Start()

	auth := middleware.NewAuth(cfg.JWTSecret, cfg.SecureCookies)

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK", "chain_enabled": chainClient.Enabled()})
	})
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, auth)
	})

	api := router.Group("/api")
	handler.NewUserHandler(userService, auth).RegisterRoutes(api)
	handler.NewApprovalHandler(approvalService, auth).RegisterRoutes(api)
	handler.NewNFTHandler(nftService, auth).RegisterRoutes(api)
	handler.NewWalletHandler(walletService, auth).RegisterRoutes(api)
	handler.NewBlockchainHandler(syncService, auth).RegisterRoutes(api)
	handler.NewReconciliationHandler(reconciliationService, auth).RegisterRoutes(api)
	handler.NewAuditHandler(auditService, auth).RegisterRoutes(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
