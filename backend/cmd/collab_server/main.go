package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"blockCollab/backend/config"
	"blockCollab/backend/internal/auth"
	"blockCollab/backend/internal/cache"
	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/httpapi/handlers"
	"blockCollab/backend/internal/httpapi/middleware"
	"blockCollab/backend/internal/logging"
	"blockCollab/backend/internal/store"
	"blockCollab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	_, closeLog, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Path: cfg.Log.Path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	docStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open document store")
	}

	presence := cache.NewNoopPresence()
	if len(cfg.Redis.Addrs) > 0 {
		// 单个地址是单机，多个地址是集群
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Strs("addrs", cfg.Redis.Addrs).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	} else {
		log.Warn().Msg("redis not configured, presence disabled")
	}

	// === 初始化 Kafka Producer ===
	var events collab.EventPublisher
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("failed to connect kafka")
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers*2),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
		events = dispatcher
	} else {
		log.Warn().Msg("kafka not configured, document events disabled")
	}

	var validator auth.Validator
	if cfg.Auth.Path != "" {
		validator = auth.NewRemoteValidator(cfg.Auth.Path, &http.Client{})
	} else {
		jv, err := auth.NewJWTValidator(cfg.Auth.Secret)
		if err != nil {
			log.Fatal().Err(err).Msg("init jwt validator failed")
		}
		validator = jv
	}

	// 构造协作引擎具体实现（内存版）
	svc := collab.NewInMemoryService(docStore, events, collab.ServiceOptions{PersistTimeout: cfg.Collab.PersistTimeout})
	hub := ws.NewHub(presence, cfg.Collab.PresenceTTL, svc.Evict)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Collab.MaxInflight), validator, ws.Options{
		SendBuffer:     cfg.Collab.SendBuffer,
		AllowedOrigins: cfg.CORS.Origins,
	})
	docs := handlers.NewDocumentHandler(svc)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.CORS.Origins)))

	// 路由
	r.GET("/healthz", handlers.Healthz(svc))
	// 连接时自己鉴权，拒绝时只回状态码
	r.GET("/ws/document/:documentID", manager.WebSocketConnect)
	api := r.Group("/", middleware.AuthMiddleware(validator))
	api.POST("/documents", docs.CreateDocument)
	api.GET("/documents/:documentID", docs.GetDocument)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.Running.Port).Str("store", cfg.Database.Driver).Msg("collab server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	// 等队列里的事件发完再关 producer
	if dispatcher != nil {
		dispatcher.Close()
	}
	log.Info().Msg("collab server stopped")
}

func openStore(cfg *config.Config) (collab.DocumentStore, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Warn().Msg("using in-memory document store, data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db), nil
	}
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		// 未配置时允许任意来源（包含 file:// 场景的 Origin: null）
		c.AllowOriginFunc = func(origin string) bool { return true }
		return c
	}
	c.AllowOrigins = origins
	return c
}
