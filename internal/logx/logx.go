package logx

import (
	"context"

	"github.com/chris247474/nanoclaw/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	groupKey contextKey = iota
	taskKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithGroup annotates the logger with the tenant folder if present.
func WithGroup(ctx context.Context, folder schema.GroupFolder) pslog.Logger {
	log := pslog.Ctx(ctx)
	if folder != "" {
		if current, ok := ctx.Value(groupKey).(schema.GroupFolder); ok && current == folder {
			return log
		}
		log = log.With("group", folder)
	}
	return log
}

// WithGroupTask annotates the logger with tenant and task identifiers.
func WithGroupTask(ctx context.Context, folder schema.GroupFolder, taskID schema.TaskID) pslog.Logger {
	log := WithGroup(ctx, folder)
	if taskID != "" {
		if current, ok := ctx.Value(taskKey).(schema.TaskID); ok && current == taskID {
			return log
		}
		log = log.With("task", taskID)
	}
	return log
}

// WithChat annotates the logger with a chat id when available.
func WithChat(log pslog.Logger, jid schema.ChatJID) pslog.Logger {
	if jid != "" {
		log = log.With("chat", jid)
	}
	return log
}

// ContextWithGroup stores the tenant marker on the context for log de-duplication.
func ContextWithGroup(ctx context.Context, folder schema.GroupFolder) context.Context {
	if ctx == nil || folder == "" {
		return ctx
	}
	return context.WithValue(ctx, groupKey, folder)
}

// ContextWithTask stores the task marker on the context for log de-duplication.
func ContextWithTask(ctx context.Context, taskID schema.TaskID) context.Context {
	if ctx == nil || taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// ContextWithGroupLogger attaches a group-annotated logger and marker to the context.
func ContextWithGroupLogger(ctx context.Context, folder schema.GroupFolder) context.Context {
	log := WithGroup(ctx, folder)
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithGroup(ctx, folder)
}

// ContextWithGroupTaskLogger attaches a logger annotated with tenant and task.
func ContextWithGroupTaskLogger(ctx context.Context, folder schema.GroupFolder, taskID schema.TaskID) context.Context {
	log := WithGroupTask(ctx, folder, taskID)
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTask(ContextWithGroup(ctx, folder), taskID)
}
