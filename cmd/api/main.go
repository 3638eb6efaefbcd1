package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-production-queue/internal/bootstrap"
	"github.com/imrishuroy/go-production-queue/internal/config"
	"github.com/imrishuroy/go-production-queue/internal/handlers"
	"github.com/imrishuroy/go-production-queue/internal/logging"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(cfg.Logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterQueueRoutes(r, cfg)

	return r
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log, err := logging.New("api", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("failed to init logger: %v", err)
	}

	svc, err := bootstrap.New(ctx, cfg, "api", log)
	if err != nil {
		log.WithError(err).Fatal("failed to init services")
	}
	defer svc.Close()

	if !cfg.RunLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	r := setupRouter(handlers.HandlerConfig{Queue: svc.Queue, Logger: log})

	// RUN_LOCAL=true serves plain HTTP for development.
	if cfg.RunLocal {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
		go func() {
			<-ctx.Done()
			srv.Shutdown(context.Background())
		}()
		log.WithField("addr", cfg.HTTPAddr).Info("running local server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("local server failed")
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
