package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

type Alert struct {
	Severity domain.AlertSeverity
	Name     string
	Message  string
	FiredAt  time.Time
	AckedAt  *time.Time
}

// AlertManager keeps operational alerts until acknowledged. An alert name
// fires once until it is acknowledged.
type AlertManager struct {
	mu      sync.RWMutex
	alerts  []Alert
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewAlertManager(metrics *Metrics, logger *slog.Logger) *AlertManager {
	return &AlertManager{
		alerts:  make([]Alert, 0),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Fire records an alert and reports whether it is new.
func (am *AlertManager) Fire(severity domain.AlertSeverity, name, message string) bool {
	am.mu.Lock()
	for _, a := range am.alerts {
		if a.Name == name && a.AckedAt == nil {
			am.mu.Unlock()
			return false
		}
	}
	alert := Alert{
		Severity: severity,
		Name:     name,
		Message:  message,
		FiredAt:  am.now(),
	}
	am.alerts = append(am.alerts, alert)
	am.mu.Unlock()

	am.metrics.AlertFired(string(severity), name)
	level := slog.LevelWarn
	if severity == domain.AlertP1 {
		level = slog.LevelError
	}
	am.logger.Log(context.Background(), level, "ALERT FIRED",
		"severity", string(severity),
		"name", name,
		"message", message,
	)
	return true
}

func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var active []Alert
	for _, a := range am.alerts {
		if a.AckedAt == nil {
			active = append(active, a)
		}
	}
	return active
}

// Acknowledge clears the active alert with this name so it can fire again.
func (am *AlertManager) Acknowledge(name string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := am.now()
	acked := false
	for i := range am.alerts {
		if am.alerts[i].Name == name && am.alerts[i].AckedAt == nil {
			am.alerts[i].AckedAt = &now
			acked = true
		}
	}
	return acked
}
