package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/chris247474/nanoclaw/schema"
)

// Standard five-field expressions plus @daily style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var onceLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// FirstRun validates a schedule and returns when it should first run.
// Errors wrap schema.ErrInvalidSchedule.
func FirstRun(kind schema.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	value = strings.TrimSpace(value)
	switch kind {
	case schema.ScheduleCron:
		sched, err := parseCron(value)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now.In(loc)).UTC(), nil
	case schema.ScheduleInterval:
		every, err := parseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(every).UTC(), nil
	case schema.ScheduleOnce:
		return parseOnce(value, loc)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %q", schema.ErrInvalidSchedule, kind)
	}
}

// NextRun returns the occurrence following a run that finished at now.
// Once tasks return nil, which completes the task.
func NextRun(kind schema.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if kind == schema.ScheduleOnce {
		return nil, nil
	}
	next, err := FirstRun(kind, value, now, loc)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// NewTaskID returns a task id of the form task-<unixms>-<suffix>.
func NewTaskID(now time.Time) schema.TaskID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return schema.TaskID(fmt.Sprintf("task-%d-%s", now.UnixMilli(), suffix))
}

func parseCron(value string) (cron.Schedule, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: empty cron expression", schema.ErrInvalidSchedule)
	}
	sched, err := cronParser.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", schema.ErrInvalidSchedule, value, err)
	}
	return sched, nil
}

func parseInterval(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: invalid interval %q (expected positive milliseconds)", schema.ErrInvalidSchedule, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", schema.ErrInvalidSchedule)
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range onceLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", schema.ErrInvalidSchedule, value)
}
