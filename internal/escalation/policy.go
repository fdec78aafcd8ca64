package escalation

import (
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

// Policy maps severity to the response window an alert gets at creation.
type Policy struct {
	Critical time.Duration
	High     time.Duration
	Medium   time.Duration
	Low      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Critical: 5 * time.Minute,
		High:     10 * time.Minute,
		Medium:   15 * time.Minute,
		Low:      15 * time.Minute,
	}
}

func (p Policy) Window(sev models.Severity) time.Duration {
	switch sev {
	case models.SeverityCritical:
		return p.Critical
	case models.SeverityHigh:
		return p.High
	case models.SeverityMedium:
		return p.Medium
	default:
		return p.Low
	}
}

// WindowSeconds is Window in the unit stored on an alert.
func (p Policy) WindowSeconds(sev models.Severity) int64 {
	return int64(p.Window(sev) / time.Second)
}
