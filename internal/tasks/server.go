package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"greendrake/tuition/internal/config"
)

// chargeRetryBase is the first delay between charge attempts; it doubles on each retry.
const chargeRetryBase = 10 * time.Second

// retryDelay backs charge creation off exponentially and leaves every other task type to asynq.
func retryDelay(n int, err error, t *asynq.Task) time.Duration {
	if t.Type() == TypeChargeCreate {
		if n > 10 {
			n = 10
		}
		return chargeRetryBase << n
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

// NewServeMux registers every task handler of the processor.
func NewServeMux(processor *TaskProcessor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeInvoiceGenerate, processor.HandleInvoiceGenerateTask)
	mux.HandleFunc(TypeInvoiceCheckOverdue, processor.HandleInvoiceCheckOverdueTask)
	mux.HandleFunc(TypeInvoiceApplyInterest, processor.HandleInvoiceApplyInterestTask)
	mux.HandleFunc(TypeChargeCreate, processor.HandleChargeCreateTask)
	mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
	return mux
}

// SetupServer configures an Asynq server and the mux to run it with. The caller starts it.
func SetupServer(rdb *redis.Client, cfg *config.Config, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(
		redisOpt(rdb),
		asynq.Config{
			Concurrency:    cfg.WorkerConcurrency,
			Queues:         queuePriorities,
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.Printf("[Asynq Error] Task %s failed (attempt %d/%d): %v", task.Type(), retried+1, maxRetry+1, err)
			}),
		},
	)
	log.Println("Registered billing and email task handlers.")
	return srv, NewServeMux(processor)
}

// NewScheduler registers the periodic billing sweeps. The caller starts it.
func NewScheduler(rdb *redis.Client, cfg *config.Config) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt(rdb), &asynq.SchedulerOpts{
		Location: cfg.Location(),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Printf("Error: scheduled enqueue failed: %v", err)
			}
		},
	})
	entries := []struct {
		spec string
		desc Descriptor
	}{
		{cfg.GenerateInvoicesCron, InvoiceGenerate},
		{cfg.CheckOverdueCron, InvoiceCheckOverdue},
		{cfg.ApplyInterestCron, InvoiceApplyInterest},
	}
	for _, e := range entries {
		if e.spec == "" {
			log.Printf("No schedule for %s; skipping", e.desc.Type)
			continue
		}
		id, err := scheduler.Register(e.spec, asynq.NewTask(e.desc.Type, nil), e.desc.Options(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %s (%q): %w", e.desc.Type, e.spec, err)
		}
		log.Printf("Scheduled %s at %q (entry %s)", e.desc.Type, e.spec, id)
	}
	return scheduler, nil
}
