// Package scheduletest provides an in-memory schedule.Coordinator for tests.
package scheduletest

import (
	"context"
	"fmt"
	"sync"

	"partners-controlplane/pkg/schedule"
)

type Fake struct {
	mu sync.Mutex

	Published       []schedule.Message
	DeletedMessages []string
	Schedules       map[string]schedule.Schedule
	DeletedSchedule []string

	// PublishErr and DeleteErr, when set, are returned by the matching calls.
	PublishErr error
	DeleteErr  error
}

func New() *Fake {
	return &Fake{Schedules: map[string]schedule.Schedule{}}
}

func (f *Fake) Publish(_ context.Context, msg schedule.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return "", f.PublishErr
	}
	f.Published = append(f.Published, msg)
	return fmt.Sprintf("default/msg-%d", len(f.Published)), nil
}

func (f *Fake) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedMessages = append(f.DeletedMessages, id)
	return f.DeleteErr
}

func (f *Fake) CreateSchedule(_ context.Context, s schedule.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.Schedules[s.ID] = s
	return nil
}

func (f *Fake) DeleteSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedSchedule = append(f.DeletedSchedule, id)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.Schedules, id)
	return nil
}

// Destinations lists the destination of every published message in order.
func (f *Fake) Destinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Published))
	for _, m := range f.Published {
		out = append(out, m.Destination)
	}
	return out
}
