package ops

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nats-io/nats.go"
)

// HealthStatus summarizes the daemon's moving parts for operators.
type HealthStatus struct {
	Healthy           bool     `json:"healthy"`
	DatabaseConnected bool     `json:"database_connected"`
	NATSConnected     bool     `json:"nats_connected"`
	RelayRunning      bool     `json:"relay_running"`
	SchedulerRunning  bool     `json:"scheduler_running"`
	Errors            []string `json:"errors"`
}

// runner is anything with a liveness flag (relay worker, scheduler).
type runner interface {
	Running() bool
}

// HealthChecker probes the database, the stream connection and the
// background loops.
type HealthChecker struct {
	db        *sql.DB
	natsConn  *nats.Conn
	relay     runner
	scheduler runner
}

// NewHealthChecker builds a checker. natsConn may be nil when the
// publisher backend is not the stream.
func NewHealthChecker(db *sql.DB, natsConn *nats.Conn, relay, scheduler runner) *HealthChecker {
	return &HealthChecker{
		db:        db,
		natsConn:  natsConn,
		relay:     relay,
		scheduler: scheduler,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	if err := h.db.PingContext(ctx); err != nil {
		status.DatabaseConnected = false
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.natsConn != nil {
		status.NATSConnected = h.natsConn.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.relay != nil {
		status.RelayRunning = h.relay.Running()
		if !status.RelayRunning {
			status.Healthy = false
			status.Errors = append(status.Errors, "relay worker not running")
		}
	}

	if h.scheduler != nil {
		status.SchedulerRunning = h.scheduler.Running()
		if !status.SchedulerRunning {
			status.Healthy = false
			status.Errors = append(status.Errors, "webhook scheduler not running")
		}
	}

	return status
}
