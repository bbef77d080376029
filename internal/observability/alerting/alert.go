package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelSlack Channel = "slack"
)

// Event 描述一次需要告警的流水线失败。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	RunID      string
	Step       string
	Source     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// EventFromError 根据统一错误类型构造告警事件。
func EventFromError(runID, source string, err error, now time.Time) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		RunID:      runID,
		Source:     source,
		OccurredAt: now,
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
		if step, ok := event.Metadata["step"]; ok {
			event.Step = step
		}
	}
	var stepped interface{ StepName() string }
	if errors.As(err, &stepped) {
		event.Step = stepped.StepName()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入结构化日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.L()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	log.Log(ctx, level, "流水线告警",
		slog.String("code", string(event.Code)),
		slog.String("run_id", event.RunID),
		slog.String("step", event.Step),
		slog.String("source", event.Source),
		slog.String("message", event.Message))
	return nil
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	return n.Sender.Send(ctx, n.ChannelID, formatSlack(event))
}

func formatSlack(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s", event.Severity, event.Code)
	if event.Step != "" {
		fmt.Fprintf(&b, " at `%s`", event.Step)
	}
	fmt.Fprintf(&b, "\n运行: %s (%s)\n时间: %s\n%s", event.RunID, event.Source, event.OccurredAt.UTC().Format(time.RFC3339), event.Message)
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
		}
	}
	return b.String()
}
