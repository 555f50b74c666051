package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/internal/config"
	"github.com/nemonet1337/zaiLedger/pkg/inventory"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/cache"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/events"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/storage"
)

func main() {
	// .envは任意
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Println(".env読み込みに失敗しました:", err)
	}

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// ストレージ初期化
	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []inventory.Option{inventory.WithMetrics(inventory.NewMetrics(registry))}

	// Redis（キャッシュ・ロック・イベント）
	var publisher inventory.EventPublisher = events.NewLogPublisher(logger)
	if cfg.Redis.Enabled {
		rdb, err := cache.NewClient(context.Background(), cfg.RedisOptions())
		if err != nil {
			logger.Fatal("Redis接続に失敗しました", zap.Error(err))
		}
		defer rdb.Close()

		publisher, opts = withRedis(rdb, cfg, logger, opts)
		logger.Info("Redisに接続しました", zap.String("addr", cfg.Redis.Addr))
	}

	// 台帳マネージャー初期化
	manager := inventory.NewManager(store, publisher, logger, cfg.Ledger(), opts...)

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, store, logger)
	handlers.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	router := setupRouter(handlers, cfg.API.EnableCORS, cfg.API.EnableMetrics)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openStorage opens the configured storage backend
// 設定に応じたストレージを開く
func openStorage(cfg *config.Config, logger *zap.Logger) (inventory.Storage, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("メモリストレージを使用します（再起動でデータは失われます）")
		return storage.NewMemoryStorage(logger), nil
	}
	return storage.NewPostgreSQLStorage(cfg.DSN(), logger, cfg.PostgresOptions())
}

func withRedis(rdb *redis.Client, cfg *config.Config, logger *zap.Logger, opts []inventory.Option) (inventory.EventPublisher, []inventory.Option) {
	opts = append(opts,
		inventory.WithCache(cache.NewLayerCache(rdb, cfg.RedisOptions(), logger)),
		inventory.WithLocker(cache.NewReferenceLocker(rdb, logger)),
	)
	return events.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix, logger), opts
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, enableCORS, enableMetrics bool) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if enableMetrics && handlers.metrics != nil {
		router.Handle("/metrics", handlers.metrics).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(userMiddleware)

	// SKU
	api.HandleFunc("/skus", handlers.CreateSKU).Methods("POST")
	api.HandleFunc("/skus/{skuId}", handlers.GetSKU).Methods("GET")
	api.HandleFunc("/skus/{skuId}/layers", handlers.GetLayers).Methods("GET")
	api.HandleFunc("/skus/{skuId}/available", handlers.GetAvailable).Methods("GET")
	api.HandleFunc("/skus/{skuId}/plan", handlers.PlanConsumption).Methods("GET")
	api.HandleFunc("/skus/{skuId}/valuation", handlers.GetValuation).Methods("GET")
	api.HandleFunc("/skus/{skuId}/conservation", handlers.VerifyConservation).Methods("GET")
	api.HandleFunc("/skus/{skuId}/history", handlers.GetHistory).Methods("GET")
	api.HandleFunc("/skus/{skuId}/audit", handlers.GetAuditTrail).Methods("GET")

	// 移動
	api.HandleFunc("/movements/receive", handlers.Receive).Methods("POST")
	api.HandleFunc("/movements/issue", handlers.Issue).Methods("POST")
	api.HandleFunc("/movements/waste", handlers.Waste).Methods("POST")
	api.HandleFunc("/movements/damage", handlers.Damage).Methods("POST")
	api.HandleFunc("/movements/adjust", handlers.Adjust).Methods("POST")
	api.HandleFunc("/movements/transfer", handlers.Transfer).Methods("POST")
	api.HandleFunc("/movements/{movementId}", handlers.GetMovement).Methods("GET")
	api.HandleFunc("/movements/{movementId}", handlers.DeleteMovement).Methods("DELETE")
	api.HandleFunc("/movements/{movementId}/cost", handlers.GetMovementCost).Methods("GET")
	api.HandleFunc("/movements/{movementId}/deletability", handlers.CanDeleteMovement).Methods("GET")

	// レイヤー
	api.HandleFunc("/layers/{layerId}/audit", handlers.GetLayerAudit).Methods("GET")
	api.HandleFunc("/layers/{layerId}/quantity", handlers.AdjustLayerQuantity).Methods("PUT")

	// 作業指示
	api.HandleFunc("/work-orders", handlers.CreateWorkOrder).Methods("POST")
	api.HandleFunc("/work-orders/{workOrderId}", handlers.GetWorkOrder).Methods("GET")

	if enableCORS {
		router.Use(corsMiddleware)
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// corsMiddleware sets permissive CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// userMiddleware puts the X-User-ID header into the request context
// X-User-IDヘッダーを操作者としてコンテキストに設定
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User-ID")
		if user == "" {
			user = "api_user"
		}
		next.ServeHTTP(w, r.WithContext(inventory.WithUser(r.Context(), user)))
	})
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
