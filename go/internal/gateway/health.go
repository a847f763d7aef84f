package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mcdev12/storychain/go/internal/store"
)

const healthCheckKey = "storychain:health"

type HealthStatus struct {
	Healthy           bool     `json:"healthy"`
	StoreConnected    bool     `json:"store_connected"`
	NATSConnected     *bool    `json:"nats_connected,omitempty"`
	DatabaseConnected *bool    `json:"database_connected,omitempty"`
	Connections       int      `json:"connections"`
	Errors            []string `json:"errors"`
}

// HealthChecker checks the dependencies a replica needs to serve rooms.
// NATS and the database are optional.
type HealthChecker struct {
	store    store.Store
	natsConn *nats.Conn
	db       *sql.DB
	manager  *ConnectionManager
}

func NewHealthChecker(s store.Store, natsConn *nats.Conn, db *sql.DB, manager *ConnectionManager) *HealthChecker {
	return &HealthChecker{store: s, natsConn: natsConn, db: db, manager: manager}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	// a missing key still proves the store answers
	if _, err := h.store.Get(ctx, healthCheckKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("store check failed: %v", err))
	} else {
		status.StoreConnected = true
	}

	if h.natsConn != nil {
		connected := h.natsConn.IsConnected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.db != nil {
		connected := h.db.PingContext(ctx) == nil
		status.DatabaseConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "database ping failed")
		}
	}

	if h.manager != nil {
		status.Connections = h.manager.GetConnectionStats().TotalConnections
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
