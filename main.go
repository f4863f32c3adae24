package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"greendrake/tuition/internal/api"
	"greendrake/tuition/internal/api/handlers"
	"greendrake/tuition/internal/api/middleware"
	"greendrake/tuition/internal/cache"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/email"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/services"
	"greendrake/tuition/internal/storage"
	"greendrake/tuition/internal/tasks"
)

var runMode = flag.String("m", "all", "Run mode: 'api', 'bg' (background tasks), 'all' (default)")

// rateLimiterSweep is how often idle rate limit buckets are dropped.
const rateLimiterSweep = time.Minute

func main() {
	flag.Parse()

	cfg, err := config.Load(*runMode)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	mongoClient, mongoDb, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.DisconnectDB(mongoClient); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	ctxIndexes, cancelIndexes := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureIndexes(ctxIndexes, mongoDb); err != nil {
		log.Fatalf("Failed to ensure indexes: %v", err)
	}
	cancelIndexes()

	redisClient, err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := cache.DisconnectRedis(redisClient); err != nil {
			log.Printf("Error disconnecting from Redis: %v", err)
		}
	}()

	// Background loops (settings subscription, rate limiter sweep) stop with this context.
	ctxApp, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	var paymentGateway gateway.IGateway
	var primaryEmailSender email.Sender
	if cfg.MockServices {
		log.Println("MOCK_SERVICES enabled: using mock payment gateway and Redis email sender.")
		paymentGateway = gateway.NewMockGateway(cfg)
		primaryEmailSender = email.NewRedisSender(redisClient, cfg)
	} else {
		paymentGateway = gateway.NewMidtransGateway(cfg)
		primaryEmailSender = email.NewSMTPSender(cfg)
	}

	compositeSender := email.NewCompositeEmailSender(primaryEmailSender)
	if cfg.EmailLogFile != "" {
		log.Printf("EMAIL_LOG_FILE set to '%s', enabling file email logger.", cfg.EmailLogFile)
		fileSender, err := email.NewFileEmailSender(cfg.EmailLogFile)
		if err != nil {
			log.Printf("WARNING: Failed to initialize file email sender: %v. Proceeding without file logging.", err)
		} else {
			compositeSender.AddSender(fileSender)
		}
	}

	documentStorage, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize S3 storage: %v", err)
	}

	now := services.ZonedClock(cfg.Location())
	settingsSvc := services.NewSettingsService(mongoDb, cfg, redisClient)
	templateSvc := services.NewEmailTemplateService(mongoDb, cfg)
	invoiceSvc := services.NewInvoiceService(mongoDb, cfg, now)
	contractSvc := services.NewContractService(mongoDb, cfg, documentStorage, now)
	agreementSvc := services.NewAgreementService(mongoDb, cfg, invoiceSvc, now)
	paymentSvc := services.NewStudentPaymentService(mongoDb, cfg, paymentGateway, now)
	confirmationSvc := services.NewPaymentConfirmationService(mongoDb, cfg, paymentGateway, paymentSvc,
		cache.NewRedisDeduper(redisClient, "webhook:"), now)

	go func() {
		if err := settingsSvc.SubscribeToChanges(ctxApp); err != nil && ctxApp.Err() == nil {
			log.Printf("Settings subscription ended: %v", err)
		}
	}()

	taskClient := tasks.NewClient(redisClient)
	defer taskClient.Close()
	dispatcher := tasks.NewDispatcher(taskClient, cfg)

	var wg sync.WaitGroup
	shutdownChan := make(chan struct{}, 1)

	// The service API always runs, bound to its own port.
	var mailbox handlers.Mailbox
	if cfg.MockServices {
		mailbox = redisClient
	}
	serviceRouter := api.SetupServiceRouter(handlers.NewServiceHandler(cfg, dispatcher, settingsSvc, mailbox, shutdownChan))
	serviceSrv := &http.Server{
		Addr:    ":" + cfg.ServiceApiPort,
		Handler: serviceRouter,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		fmt.Printf("Service API listening on :%s\n", cfg.ServiceApiPort)
		if err := serviceSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Service API ListenAndServe error: %v", err)
		}
		fmt.Println("Service API server stopped.")
	}()

	var mainApiSrv *http.Server
	var taskSrv *asynq.Server
	var scheduler *asynq.Scheduler

	fmt.Printf("Starting application in '%s' mode...\n", cfg.RunMode)

	apiMode := func() {
		fmt.Println("Starting main API server...")
		rateLimiter := middleware.NewRateLimiterMiddleware(cfg, settingsSvc)
		go rateLimiter.Run(ctxApp, rateLimiterSweep)

		mainApiRouter := api.SetupRouter(cfg, api.Deps{
			Contracts:     contractSvc,
			Agreements:    agreementSvc,
			Invoices:      invoiceSvc,
			Payments:      paymentSvc,
			Confirmations: confirmationSvc,
			Settings:      settingsSvc,
			Templates:     templateSvc,
			Dispatcher:    dispatcher,
			RateLimiter:   rateLimiter,
			Now:           now,
		})
		mainApiSrv = &http.Server{
			Addr:    ":" + cfg.ApiPort,
			Handler: mainApiRouter,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Printf("Main API listening on :%s\n", cfg.ApiPort)
			if err := mainApiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Main API ListenAndServe error: %v", err)
			}
			fmt.Println("Main API server stopped.")
		}()
	}

	bgMode := func() {
		fmt.Println("Starting background worker...")
		processor := tasks.NewTaskProcessor(cfg, tasks.Deps{
			Contracts:  contractSvc,
			Agreements: agreementSvc,
			Invoices:   invoiceSvc,
			Payments:   paymentSvc,
			Templates:  templateSvc,
			Settings:   settingsSvc,
			Sender:     compositeSender,
			Dispatcher: dispatcher,
			Now:        now,
		})
		var mux *asynq.ServeMux
		taskSrv, mux = tasks.SetupServer(redisClient, cfg, processor)
		fmt.Println("Background task server starting...")
		// Start returns once the workers run; Shutdown below stops them.
		if err := taskSrv.Start(mux); err != nil {
			log.Fatalf("Background task server error: %v", err)
		}

		scheduler, err = tasks.NewScheduler(redisClient, cfg)
		if err != nil {
			log.Fatalf("Failed to register scheduled tasks: %v", err)
		}
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	switch cfg.RunMode {
	case "api":
		apiMode()
	case "bg":
		bgMode()
	case "all":
		apiMode()
		bgMode()
	default:
		log.Fatalf("Invalid run mode specified in config: %s.", cfg.RunMode)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived signal: %s. Shutting down gracefully...\n", sig)
	case <-shutdownChan:
		fmt.Println("\nShutdown requested via Service API. Shutting down gracefully...")
	}

	cancelApp()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	fmt.Println("Shutting down Service API server...")
	if err := serviceSrv.Shutdown(ctxShutdown); err != nil {
		log.Printf("Service API server shutdown error: %v", err)
	}

	if mainApiSrv != nil {
		fmt.Println("Shutting down Main API server...")
		if err := mainApiSrv.Shutdown(ctxShutdown); err != nil {
			log.Printf("Main API server shutdown error: %v", err)
		}
	}

	if scheduler != nil {
		fmt.Println("Stopping scheduler...")
		scheduler.Shutdown()
	}
	if taskSrv != nil {
		fmt.Println("Shutting down Background Task server...")
		taskSrv.Shutdown()
	}

	fmt.Println("Waiting for servers to stop...")
	wg.Wait()

	fmt.Println("Server gracefully stopped")
}
