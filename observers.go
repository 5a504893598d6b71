package nanoclaw

import (
	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/schema"
)

// Observer receives container, scheduler and mailbox events.
type Observer interface {
	core.RunObserver
	core.TaskObserver
	core.IPCObserver
}

type observerFanout struct {
	observers []Observer
}

func (f observerFanout) ContainerStarted(folder schema.GroupFolder) {
	for _, obs := range f.observers {
		if obs == nil {
			continue
		}
		obs.ContainerStarted(folder)
	}
}

func (f observerFanout) ContainerFinished(run schema.RecentRun, kind schema.ErrorType) {
	for _, obs := range f.observers {
		if obs == nil {
			continue
		}
		obs.ContainerFinished(run, kind)
	}
}

func (f observerFanout) TaskFinished(task schema.ScheduledTask, run schema.TaskRunLog) {
	for _, obs := range f.observers {
		if obs == nil {
			continue
		}
		obs.TaskFinished(task, run)
	}
}

func (f observerFanout) IPCHandled(kind schema.IPCType, outcome string) {
	for _, obs := range f.observers {
		if obs == nil {
			continue
		}
		obs.IPCHandled(kind, outcome)
	}
}
