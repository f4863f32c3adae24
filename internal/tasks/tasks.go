package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"greendrake/tuition/internal/config"
)

// TaskType defines the type of a background task.
const (
	TypeEmailDelivery        = "email:deliver"
	TypeInvoiceGenerate      = "billing:invoice:generate"
	TypeInvoiceCheckOverdue  = "billing:invoice:check_overdue"
	TypeInvoiceApplyInterest = "billing:invoice:apply_interest"
	TypeChargeCreate         = "billing:charge:create"
)

// Queue names and their relative priorities.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var queuePriorities = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// Descriptor says how a task type is queued. Zero Timeout and Retention fall back to the configured
// defaults.
type Descriptor struct {
	Type      string
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

var (
	InvoiceGenerate      = Descriptor{Type: TypeInvoiceGenerate, Queue: QueueDefault, MaxRetry: 3}
	InvoiceCheckOverdue  = Descriptor{Type: TypeInvoiceCheckOverdue, Queue: QueueDefault, MaxRetry: 2}
	InvoiceApplyInterest = Descriptor{Type: TypeInvoiceApplyInterest, Queue: QueueLow, MaxRetry: 2}
	ChargeCreate         = Descriptor{Type: TypeChargeCreate, Queue: QueueCritical, MaxRetry: 3, Timeout: time.Minute}
	EmailDelivery        = Descriptor{Type: TypeEmailDelivery, Queue: QueueDefault, MaxRetry: 3, Timeout: time.Minute}
)

var descriptors = map[string]Descriptor{
	TypeInvoiceGenerate:      InvoiceGenerate,
	TypeInvoiceCheckOverdue:  InvoiceCheckOverdue,
	TypeInvoiceApplyInterest: InvoiceApplyInterest,
	TypeChargeCreate:         ChargeCreate,
	TypeEmailDelivery:        EmailDelivery,
}

// Lookup returns the descriptor of a known task type.
func Lookup(taskType string) (Descriptor, bool) {
	d, ok := descriptors[taskType]
	return d, ok
}

// Options turns the descriptor into asynq options, filling in the configured defaults.
func (d Descriptor) Options(cfg *config.Config) []asynq.Option {
	timeout := d.Timeout
	if timeout == 0 && cfg != nil {
		timeout = cfg.DefaultTaskTimeout
	}
	retention := d.Retention
	if retention == 0 && cfg != nil {
		retention = cfg.CompletedTaskRetention
	}
	opts := []asynq.Option{asynq.Queue(d.Queue), asynq.MaxRetry(d.MaxRetry)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	if retention > 0 {
		opts = append(opts, asynq.Retention(retention))
	}
	return opts
}

// --- Payloads ---

// GeneratePayload selects the period to generate. Empty means the current and the next month.
type GeneratePayload struct {
	Period string `json:"period,omitempty"` // YYYY-MM
}

// SweepPayload pins the day an overdue or interest sweep evaluates. Empty means today.
type SweepPayload struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD
}

// ChargePayload identifies the payment to issue a gateway charge for.
type ChargePayload struct {
	SchoolID  string `json:"school_id"`
	PaymentID string `json:"payment_id"`
	Notify    bool   `json:"notify,omitempty"`
}

// EmailTaskPayload is a notice to render and send.
type EmailTaskPayload struct {
	SchoolID   string         `json:"school_id,omitempty"`
	To         string         `json:"to"`
	TemplateID string         `json:"template_id"`
	Locale     string         `json:"locale,omitempty"`
	Data       map[string]any `json:"data"`
}

// --- Task Client (Enqueuing tasks) ---

// IAsynqClient is the part of *asynq.Client the dispatcher needs.
type IAsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// NewClient creates an asynq client on the same Redis the rest of the app uses.
func NewClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClient(redisOpt(rdb))
}

func redisOpt(rdb *redis.Client) asynq.RedisClientOpt {
	o := rdb.Options()
	return asynq.RedisClientOpt{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	}
}

// Dispatcher enqueues tasks by descriptor.
type Dispatcher struct {
	client IAsynqClient
	cfg    *config.Config
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(client IAsynqClient, cfg *config.Config) *Dispatcher {
	return &Dispatcher{client: client, cfg: cfg}
}

// Dispatch marshals payload and enqueues it as a task of type d. A task whose TaskID option collides
// with one already queued is reported as ErrDuplicateTask.
func (d *Dispatcher) Dispatch(ctx context.Context, desc Descriptor, payload any, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", desc.Type, err)
	}
	return d.DispatchRaw(ctx, desc, raw, opts...)
}

// DispatchRaw enqueues an already encoded payload.
func (d *Dispatcher) DispatchRaw(ctx context.Context, desc Descriptor, raw []byte, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	all := append(desc.Options(d.cfg), opts...)
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(desc.Type, raw), all...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, ErrDuplicateTask
		}
		return nil, fmt.Errorf("failed to enqueue %s: %w", desc.Type, err)
	}
	log.Printf("Enqueued task %s (%s) on queue %s", info.ID, desc.Type, info.Queue)
	return info, nil
}

// ErrDuplicateTask means an identical task is already queued.
var ErrDuplicateTask = errors.New("task already enqueued")
