// Package alert fans strategy notifications out to external channels
package alert

import (
	"context"
	"sync"
	"time"

	"market_rules/internal/core"
	"market_rules/pkg/telemetry"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager delivers every alert to all channels without blocking the caller
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	timeout  time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

type Option func(*AlertManager)

// WithSendTimeout bounds a single channel delivery
func WithSendTimeout(d time.Duration) Option {
	return func(am *AlertManager) { am.timeout = d }
}

// WithClock stamps alerts with market time instead of wall time
func WithClock(now func() time.Time) Option {
	return func(am *AlertManager) { am.now = now }
}

func NewAlertManager(logger core.ILogger, opts ...Option) *AlertManager {
	am := &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		timeout:  10 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(am)
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: am.now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level, "message", message)

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), am.timeout)
			defer cancel()

			err := c.Send(timeoutCtx, payload)
			telemetry.GetGlobalMetrics().RecordAlert(timeoutCtx, c.Name(), err == nil)
			if err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Flush waits for in-flight deliveries or until ctx is done
func (am *AlertManager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
