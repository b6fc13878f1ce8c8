package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/vrecan/death.v3"

	"ticketgate-backend/admission"
	"ticketgate-backend/applogger"
	"ticketgate-backend/attendee"
	"ticketgate-backend/config"
	"ticketgate-backend/credential"
	"ticketgate-backend/handlers"
	"ticketgate-backend/inventory"
	"ticketgate-backend/publisher"
	"ticketgate-backend/staff"
	"ticketgate-backend/store"
)

func connectToStore(ctx context.Context, logger *logrus.Logger, cfg config.Database) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, logger, store.PostgresOptions{
			URL:         cfg.URL,
			MaxConns:    cfg.MaxConns,
			LockTimeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Bootstrap {
			if err := pg.Bootstrap(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("bootstrap schema: %w", err)
			}
		}
		return pg, nil
	default:
		logger.Warn("using the in-memory store, data is lost on restart")
		return store.NewMemory(cfg.LockTimeout), nil
	}
}

func connectToRedis(ctx context.Context, logger *logrus.Logger, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	logger.WithField("addr", cfg.Addr).Info("Successfully connected to redis!")
	return rdb, nil
}

// httpCloser drains in-flight requests on shutdown.
type httpCloser struct {
	srv     *http.Server
	timeout time.Duration
}

func (h httpCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

type funcCloser func()

func (f funcCloser) Close() error {
	f()
	return nil
}

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := applogger.New(cfg.Application.LogLevel, cfg.Application.Debug)
	loader.Watch(func(c *config.Config) {
		applogger.SetLevel(logger, c.Application.LogLevel)
		logger.WithField("log_level", c.Application.LogLevel).Info("configuration reloaded")
	}, func(err error) {
		logger.WithError(err).Warn("ignoring invalid configuration change")
	})

	ctx := context.Background()

	st, err := connectToStore(ctx, logger, cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Unable to connect to database")
	}
	closers := []io.Closer{st}

	var registry attendee.Registry = attendee.NewStoreRegistry(logger, st, nil)
	if cfg.Redis.Enabled {
		rdb, err := connectToRedis(ctx, logger, cfg.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Unable to connect to redis")
		}
		closers = append(closers, rdb)
		registry = attendee.NewFanout(logger, registry, attendee.NewRedisRegistry(logger, rdb))
	}

	var pub publisher.Publisher = publisher.Nop{}
	if cfg.AMQP.Enabled {
		amqpPub, err := publisher.DialAMQP(logger, cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			logger.WithError(err).Fatal("Unable to connect to the message broker")
		}
		pub = amqpPub
		closers = append(closers, pub)
	}

	allocator := inventory.NewAllocator(inventory.AllocatorProperty{
		Logger:  logger,
		Store:   st,
		Timeout: cfg.Application.Timeout,
	})
	credentials := credential.NewManager(credential.ManagerProperty{
		Logger:      logger,
		Store:       st,
		Renderer:    credential.QRRenderer{Size: cfg.Credential.ImageSize},
		TTL:         cfg.Credential.TTL,
		CodeLength:  cfg.Credential.CodeLength,
		MaxAttempts: cfg.Credential.MaxIssueAttempts,
	})
	window := staff.NewWindow(staff.WindowProperty{
		Logger:           logger,
		Store:            st,
		Validate:         validator.New(),
		MaxBatch:         cfg.Staff.MaxBatch,
		MaxValidityHours: cfg.Staff.MaxValidityHours,
		SecretLength:     cfg.Staff.SecretLength,
	})
	machine := admission.NewMachine(admission.MachineProperty{
		Logger:            logger,
		Store:             st,
		Credentials:       credentials,
		Staff:             window,
		Attendees:         registry,
		Publisher:         pub,
		LastLoginInterval: cfg.Staff.LastLoginInterval,
		Timeout:           cfg.Application.Timeout,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go credential.NewSweeper(logger, st, cfg.Credential.TTL, cfg.Credential.SweepInterval, nil).Run(sweepCtx)
	closers = append(closers, funcCloser(stopSweep))

	// Setup Gin
	if !cfg.Application.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORS.AllowedOrigins
	corsConfig.AllowMethods = cfg.CORS.AllowedMethods
	corsConfig.AllowHeaders = cfg.CORS.AllowedHeaders
	corsConfig.ExposeHeaders = []string{"X-Credential-Code", "X-Credential-Expires-At"}
	router.Use(cors.New(corsConfig))

	// API routes
	api := router.Group("/api/v1")
	{
		api.GET("/health/store", func(c *gin.Context) {
			if err := st.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database connection failed: " + err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "Database connection OK"})
		})

		handlers.Handlers{
			Tickets:  handlers.NewTicketHandler(logger, allocator, credentials),
			Checkins: handlers.NewCheckinHandler(logger, machine),
			Events:   handlers.NewEventHandler(logger, window),
		}.Register(api)
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Application.Port),
		Handler: router,
	}
	go func() {
		logger.WithField("port", cfg.Application.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	closers = append(closers, httpCloser{srv: srv, timeout: cfg.Application.Timeout})

	d := death.NewDeath(syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	d.SetTimeout(cfg.Application.Timeout + 5*time.Second)
	if err := d.WaitForDeath(closers...); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
