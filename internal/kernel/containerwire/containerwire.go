// Package containerwire wires ContainerManager to the bus and
// ProcessManager. It exists for the same reason internal/kernel/metricswire
// does: ContainerManager has no reason to import eventbus itself, so
// something above both subscribes process lifecycle topics to container
// lifecycle calls.
package containerwire

import (
	"context"
	"sync"

	"github.com/aether-kernel/aether/internal/container"
	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/process"
)

// Wire subscribes container creation to process.spawned and container
// teardown to process.exit, emitting container.created/started on success
// and container.stopped/removed once a process's sandbox is torn down. It
// returns an unsubscribe func; safe to call more than once.
func Wire(bus *eventbus.Bus, containers *container.Manager) func() {
	var unsubs []eventbus.UnsubscribeFunc

	unsubs = append(unsubs, bus.Subscribe("process.spawned", func(payload any) {
		p, _ := payload.(map[string]any)
		pid, workDir, ok := spawnInfo(p)
		if !ok {
			return
		}

		info, err := containers.Create(context.Background(), pid, workDir, nil)
		if err != nil {
			bus.Emit("container.created", map[string]any{"pid": pid, "error": err.Error()})
			return
		}

		bus.Emit("container.created", map[string]any{
			"pid": pid, "containerId": info.ContainerID, "containerized": info.Containerized,
		})
		bus.Emit("container.started", map[string]any{"pid": pid, "containerId": info.ContainerID})
	}))

	unsubs = append(unsubs, bus.Subscribe("process.exit", func(payload any) {
		p, _ := payload.(map[string]any)
		pid, ok := pidFrom(p)
		if !ok {
			return
		}
		if containers.Get(pid) == nil {
			return
		}

		bus.Emit("container.stopped", map[string]any{"pid": pid})
		if err := containers.Remove(pid); err != nil {
			bus.Emit("container.removed", map[string]any{"pid": pid, "error": err.Error()})
			return
		}
		bus.Emit("container.removed", map[string]any{"pid": pid})
	}))

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

func pidFrom(p map[string]any) (int64, bool) {
	switch v := p["pid"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

// spawnInfo extracts the pid and workspace directory from a process.spawned
// payload, whose "info" field arrives as the *process.Process ProcessManager
// emitted on the same in-process bus dispatch.
func spawnInfo(p map[string]any) (int64, string, bool) {
	pid, ok := pidFrom(p)
	if !ok {
		return 0, "", false
	}

	proc, ok := p["info"].(*process.Process)
	if !ok || proc.WorkDir == "" {
		return 0, "", false
	}
	return pid, proc.WorkDir, true
}
