package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/observability/alerting"
	"reward-accumulator/internal/observability/metrics"
	"reward-accumulator/internal/pipeline"
	"reward-accumulator/pkg/logger"
)

// Pipeline 是调度器驱动的一次完整复投流程。
type Pipeline interface {
	Execute(ctx context.Context) (*pipeline.Run, error)
}

// Lock 提供跨进程互斥，获取失败时 ok 为 false。lease 在锁丢失时结束，
// 其 cause 说明原因。
type Lock interface {
	TryAcquire(ctx context.Context) (lease context.Context, release func(context.Context) error, ok bool, err error)
}

// Status 描述最近一次运行的结果。
type Status struct {
	RunID      string                  `json:"run_id"`
	Source     string                  `json:"source"`
	Running    bool                    `json:"running"`
	State      pipeline.State          `json:"state,omitempty"`
	Deposited  string                  `json:"deposited,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Code       xerrors.Code            `json:"code,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
	Steps      []pipeline.Confirmation `json:"steps,omitempty"`
}

// Option 定义 Runner 的可选配置。
type Option func(*Runner)

// WithLock 配置分布式锁。
func WithLock(lock Lock) Option {
	return func(r *Runner) {
		r.lock = lock
	}
}

// WithAlertDispatcher 配置失败告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// WithClock 替换时钟。
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithIDGenerator 替换运行 ID 生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Runner 保证同一时刻最多只有一次流程在执行，繁忙时直接跳过新的触发。
type Runner struct {
	pipeline Pipeline
	lock     Lock
	alerter  alerting.Dispatcher
	clock    clockwork.Clock
	log      *slog.Logger
	newID    func() string

	guard sync.Mutex
	wg    sync.WaitGroup

	statusMu sync.RWMutex
	latest   *Status
}

// NewRunner 构造 Runner。
func NewRunner(p Pipeline, opts ...Option) *Runner {
	r := &Runner{
		pipeline: p,
		clock:    clockwork.NewRealClock(),
		log:      logger.Named("scheduler"),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 同步执行一次流程。
func (r *Runner) Run(ctx context.Context, source string) (Status, error) {
	ctx, release, err := r.acquire(ctx, source)
	if err != nil {
		return Status{}, err
	}
	defer release()
	return r.execute(ctx, r.newID(), source)
}

// Trigger 同步获取执行权后在后台运行流程，返回运行 ID。ctx 决定运行的生命周期。
func (r *Runner) Trigger(ctx context.Context, source string) (string, error) {
	ctx, release, err := r.acquire(ctx, source)
	if err != nil {
		return "", err
	}
	id := r.newID()
	r.markStarted(id, source)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		_, _ = r.execute(ctx, id, source)
	}()
	return id, nil
}

// Wait 等待后台运行结束。
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Latest 返回最近一次运行的状态。
func (r *Runner) Latest() (Status, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	if r.latest == nil {
		return Status{}, false
	}
	return *r.latest, true
}

// acquire 获取执行权，返回的 ctx 在分布式锁丢失时被取消。
func (r *Runner) acquire(ctx context.Context, source string) (context.Context, func(), error) {
	if r.pipeline == nil {
		return nil, nil, xerrors.New(xerrors.CodeConfigurationInvalid, "未配置复投流程")
	}
	if !r.guard.TryLock() {
		return nil, nil, r.skipped(source, "process")
	}
	if r.lock == nil {
		return ctx, r.guard.Unlock, nil
	}

	lease, releaseLock, ok, err := r.lock.TryAcquire(ctx)
	if err != nil {
		r.guard.Unlock()
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取分布式锁失败")
	}
	if !ok {
		r.guard.Unlock()
		return nil, nil, r.skipped(source, "cluster")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := func() bool { return false }
	if lease != nil {
		stop = context.AfterFunc(lease, func() {
			cause := context.Cause(lease)
			r.log.Error("分布式锁丢失，终止本次运行", slog.String("source", source), slog.Any("error", cause))
			cancel(cause)
		})
	}
	return runCtx, func() {
		stop()
		cancel(nil)
		if err := releaseLock(context.Background()); err != nil {
			r.log.Warn("释放分布式锁失败", slog.Any("error", err))
		}
		r.guard.Unlock()
	}, nil
}

func (r *Runner) skipped(source, scope string) error {
	metrics.RecordRun("skipped", 0)
	r.log.Info("已有运行在进行，跳过本次触发", slog.String("source", source), slog.String("scope", scope))
	return xerrors.New(xerrors.CodeRunInProgress, "", xerrors.WithMetadata("scope", scope))
}

func (r *Runner) markStarted(id, source string) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.latest = &Status{RunID: id, Source: source, Running: true, State: pipeline.StateClaim, StartedAt: r.clock.Now()}
}

func (r *Runner) execute(ctx context.Context, id, source string) (Status, error) {
	r.markStarted(id, source)
	started := r.clock.Now()
	ctx = audit.WithRunID(ctx, id)

	run, err := r.pipeline.Execute(ctx)

	status := Status{RunID: id, Source: source, StartedAt: started, FinishedAt: r.clock.Now()}
	if run != nil {
		status.State = run.State
		status.Steps = run.Confirmations
		if err == nil && run.DepositBalance != nil {
			status.Deposited = run.DepositBalance.String()
		}
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		status.Error = err.Error()
		status.Code = xerrors.CodeOf(err)
		r.alert(ctx, id, source, err)
	}
	metrics.RecordRun(outcome, status.FinishedAt.Sub(started).Seconds())

	r.statusMu.Lock()
	r.latest = &status
	r.statusMu.Unlock()
	return status, err
}

func (r *Runner) alert(ctx context.Context, id, source string, err error) {
	if r.alerter == nil || !shouldAlert(err) {
		return
	}
	event := alerting.EventFromError(id, source, err, r.clock.Now())
	if notifyErr := r.alerter.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		r.log.Warn("发送告警失败", slog.String("run_id", id), slog.Any("error", notifyErr))
	}
}

// 未归类的错误也需要告警。
func shouldAlert(err error) bool {
	if _, ok := xerrors.From(err); !ok {
		return true
	}
	return xerrors.ShouldAlert(err)
}
