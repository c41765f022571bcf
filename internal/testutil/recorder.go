package testutil

import (
	"context"
	"sync"

	"github.com/developingchet/meeting-scheduler/internal/notify"
)

// Recorder captures alerts and e-mails. It implements notify.Alerter and
// notify.Mailer.
type Recorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
	mails  []notify.Message

	// Fail, when set, is returned by every call instead of recording.
	Fail error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Alert(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *Recorder) Email(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.mails = append(r.mails, m)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []notify.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Alert(nil), r.alerts...)
}

// Mails returns a copy of the recorded e-mails.
func (r *Recorder) Mails() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.mails...)
}

var (
	_ notify.Alerter = (*Recorder)(nil)
	_ notify.Mailer  = (*Recorder)(nil)
)
