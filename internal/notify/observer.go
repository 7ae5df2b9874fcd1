package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/wxexp/internal/exporter"
)

// Observers fans run notifications out to several observers in order.
type Observers []exporter.Observer

func (o Observers) OnStart() {
	for _, ob := range o {
		ob.OnStart()
	}
}

func (o Observers) OnComplete(cancelled bool) {
	for _, ob := range o {
		ob.OnComplete(cancelled)
	}
}

func (o Observers) OnTasksStart(account string, total int) {
	for _, ob := range o {
		ob.OnTasksStart(account, total)
	}
}

func (o Observers) OnTasksProgress(account string, delta, total int) {
	for _, ob := range o {
		ob.OnTasksProgress(account, delta, total)
	}
}

func (o Observers) OnTasksComplete(account string, cancelled bool) {
	for _, ob := range o {
		ob.OnTasksComplete(account, cancelled)
	}
}

func (o Observers) OnSessionStart(id string, token exporter.Token, total int) {
	for _, ob := range o {
		ob.OnSessionStart(id, token, total)
	}
}

func (o Observers) OnSessionProgress(id string, token exporter.Token, processed, total int) {
	for _, ob := range o {
		ob.OnSessionProgress(id, token, processed, total)
	}
}

func (o Observers) OnSessionComplete(id string, token exporter.Token, cancelled bool) {
	for _, ob := range o {
		ob.OnSessionComplete(id, token, cancelled)
	}
}

// LogObserver reports progress through zerolog. Per-record progress is
// throttled to one line per interval per conversation.
type LogObserver struct {
	Logger   zerolog.Logger
	Interval time.Duration

	mu        sync.Mutex
	lastLine  time.Time
	tasksDone map[string]int
}

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{Logger: logger, Interval: 5 * time.Second, tasksDone: make(map[string]int)}
}

func (l *LogObserver) OnStart() {
	l.Logger.Info().Msg("export started")
}

func (l *LogObserver) OnComplete(cancelled bool) {
	l.Logger.Info().Bool("cancelled", cancelled).Msg("export finished")
}

func (l *LogObserver) OnTasksStart(account string, total int) {
	l.mu.Lock()
	l.tasksDone[account] = 0
	l.mu.Unlock()
	if total > 0 {
		l.Logger.Info().Str("account", account).Int("total", total).Msg("asset tasks draining")
	}
}

func (l *LogObserver) OnTasksProgress(account string, delta, total int) {
	l.mu.Lock()
	l.tasksDone[account] += delta
	done := l.tasksDone[account]
	l.mu.Unlock()
	l.Logger.Debug().Str("account", account).Int("done", done).Int("total", total).Msg("asset tasks progress")
}

func (l *LogObserver) OnTasksComplete(account string, cancelled bool) {
	l.Logger.Debug().Str("account", account).Bool("cancelled", cancelled).Msg("asset tasks complete")
}

func (l *LogObserver) OnSessionStart(id string, _ exporter.Token, total int) {
	l.Logger.Debug().Str("session", id).Int("records", total).Msg("chat started")
}

func (l *LogObserver) OnSessionProgress(id string, _ exporter.Token, processed, total int) {
	l.mu.Lock()
	now := time.Now()
	due := now.Sub(l.lastLine) >= l.Interval
	if due {
		l.lastLine = now
	}
	l.mu.Unlock()
	if due {
		l.Logger.Info().Str("session", id).Int("processed", processed).Int("total", total).Msg("chat progress")
	}
}

func (l *LogObserver) OnSessionComplete(id string, _ exporter.Token, cancelled bool) {
	l.Logger.Debug().Str("session", id).Bool("cancelled", cancelled).Msg("chat complete")
}
