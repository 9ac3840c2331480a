package auction

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/optisync"
)

// Level of a user-facing notification.
type Level int

const (
	LevelSuccess Level = iota
	LevelError
	// LevelWarning marks a failure after which client and server may
	// disagree until the next refresh.
	LevelWarning
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Notification is the single terminal message of a flow.
type Notification struct {
	Op        string
	Level     Level
	Message   string
	Err       error
	Retryable bool
}

// Notifier presents flow outcomes to the operator.
type Notifier interface {
	Notify(Notification)
}

type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	L *zap.Logger
}

func NewLogNotifier(l *zap.Logger) LogNotifier {
	if l == nil {
		l = zap.NewNop()
	}
	return LogNotifier{L: l.Named("notify")}
}

func (n LogNotifier) Notify(m Notification) {
	fields := []zap.Field{zap.String("op", m.Op), zap.String("level", m.Level.String())}
	if m.Err != nil {
		fields = append(fields, zap.Error(m.Err), zap.Bool("retryable", m.Retryable))
	}
	switch m.Level {
	case LevelSuccess:
		n.L.Info(m.Message, fields...)
	case LevelWarning:
		n.L.Warn(m.Message, fields...)
	default:
		n.L.Error(m.Message, fields...)
	}
}

// Recorder keeps notifications in memory. The CLI prints from it.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *Recorder) Notify(m Notification) {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.got))
	copy(out, r.got)
	return out
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, x := range m {
		x.Notify(n)
	}
}

// reason turns a flow error into the short text shown after "Failed to ...".
func reason(err error) string {
	var re *optisync.RemoteError
	var oe *optisync.OperationError
	switch {
	case errors.As(err, &oe) && oe.Degraded():
		return "the change was only partly applied, refresh before retrying"
	case errors.Is(err, optisync.ErrBusy):
		return "another change to this auction is in progress"
	case errors.As(err, &re):
		return re.Reason
	case errors.Is(err, optisync.ErrTimeout):
		return "the server did not answer in time, try again"
	case errors.Is(err, optisync.ErrNetwork):
		return "network error, try again"
	default:
		return err.Error()
	}
}
