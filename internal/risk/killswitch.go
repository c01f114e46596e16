package risk

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// KillSwitch blocks new exposure until an operator clears it. State is
// persisted so a restart does not silently re-enable trading.
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	reason      string
	activatedAt time.Time
	filePath    string
	logger      *slog.Logger
}

type killSwitchState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
}

func NewKillSwitch(filePath string, logger *slog.Logger) *KillSwitch {
	ks := &KillSwitch{
		filePath: filePath,
		logger:   logger,
	}
	ks.loadState()
	return ks
}

func (ks *KillSwitch) loadState() {
	if ks.filePath == "" {
		return
	}
	data, err := os.ReadFile(ks.filePath)
	if err != nil {
		return
	}

	var state killSwitchState
	if err := json.Unmarshal(data, &state); err != nil {
		ks.logger.Warn("failed to parse kill switch state", "path", ks.filePath, "error", err)
		return
	}

	ks.active = state.Active
	ks.reason = state.Reason
	ks.activatedAt = state.ActivatedAt

	if ks.active {
		ks.logger.Warn("kill switch is ACTIVE from previous session",
			"reason", ks.reason,
			"activated_at", ks.activatedAt)
	}
}

// persistState writes through a temp file so a crash never leaves a
// truncated state file behind.
func (ks *KillSwitch) persistState() {
	if ks.filePath == "" {
		return
	}
	data, err := json.Marshal(killSwitchState{
		Active:      ks.active,
		Reason:      ks.reason,
		ActivatedAt: ks.activatedAt,
	})
	if err != nil {
		ks.logger.Error("failed to marshal kill switch state", "error", err)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(ks.filePath), ".killswitch-*")
	if err != nil {
		ks.logger.Error("failed to persist kill switch state", "error", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		ks.logger.Error("failed to persist kill switch state", "error", err)
		return
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), ks.filePath); err != nil {
		os.Remove(tmp.Name())
		ks.logger.Error("failed to persist kill switch state", "error", err)
	}
}

func (ks *KillSwitch) Activate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.active = true
	ks.reason = reason
	ks.activatedAt = time.Now()
	ks.persistState()

	ks.logger.Error("KILL SWITCH ACTIVATED",
		"reason", reason,
		"activated_at", ks.activatedAt)
}

func (ks *KillSwitch) Deactivate() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.active = false
	ks.reason = ""
	ks.activatedAt = time.Time{}
	ks.persistState()

	ks.logger.Warn("KILL SWITCH DEACTIVATED")
}

func (ks *KillSwitch) IsActive() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.active
}

func (ks *KillSwitch) Reason() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.reason
}

func (ks *KillSwitch) ActivatedAt() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.activatedAt
}
