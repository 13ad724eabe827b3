package moderation

import (
	"sync"
	"time"

	"gigchat/internal/models"
	"gigchat/internal/timer"

	"github.com/sirupsen/logrus"
)

// Advisor runs the gate on composer content after a quiet period and
// feeds the banner. Content changes reach the banner immediately so a
// blocking notice disappears as soon as the user edits.
type Advisor struct {
	gate      *Gate
	banner    *Banner
	debouncer *timer.Debouncer
	logger    *logrus.Logger

	mu        sync.Mutex
	listeners []func(string, models.ValidationResult)
}

func NewAdvisor(gate *Gate, banner *Banner, quiet time.Duration, logger *logrus.Logger) *Advisor {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Advisor{
		gate:      gate,
		banner:    banner,
		debouncer: timer.NewDebouncer(quiet),
		logger:    logger,
	}
}

// OnResult registers a listener for advisory results.
func (a *Advisor) OnResult(fn func(text string, result models.ValidationResult)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Check schedules an advisory validation of text.
func (a *Advisor) Check(text string) {
	if a.banner != nil {
		a.banner.ContentChanged(text)
	}
	a.debouncer.Trigger(func() { a.CheckNow(text) })
}

// CheckNow validates immediately and publishes the result.
func (a *Advisor) CheckNow(text string) models.ValidationResult {
	result := a.gate.Validate(text)
	if result.Severity > models.SeverityNone {
		a.logger.WithFields(logrus.Fields{
			"severity":   result.Severity.String(),
			"categories": result.CategoryNames(),
		}).Debug("Advisory check matched")
	}

	if a.banner != nil {
		a.banner.Show(text, result)
	}

	a.mu.Lock()
	listeners := append(([]func(string, models.ValidationResult))(nil), a.listeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(text, result)
	}
	return result
}

// Cancel drops a pending check.
func (a *Advisor) Cancel() {
	a.debouncer.Cancel()
}
