package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	xerrors "reward-accumulator/internal/errors"
)

// Schedule 按 cron 表达式周期执行流程，直到 ctx 取消。单次失败不影响后续调度。
func (r *Runner) Schedule(ctx context.Context, pattern string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(pattern, func() {
		if ctx.Err() != nil {
			return
		}
		status, err := r.Run(ctx, "cron")
		if err != nil {
			if xerrors.HasCode(err, xerrors.CodeRunInProgress) {
				return
			}
			r.log.Error("定时运行失败", slog.String("run_id", status.RunID), slog.Any("error", err))
			return
		}
		r.log.Info("定时运行完成", slog.String("run_id", status.RunID), slog.String("deposited", status.Deposited))
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "cron 表达式无效", xerrors.WithMetadata("pattern", pattern))
	}

	r.log.Info("调度已启动", slog.String("pattern", pattern))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.Wait()
	return nil
}
