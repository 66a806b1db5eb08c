package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

const checkTimeout = 5 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is one dependency's verdict.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck probes one dependency.
type HealthCheck func() CheckResult

// HealthStatus aggregates every check under the service identity.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthChecker runs registered dependency checks on demand.
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers a named check. Registration happens during boot, before
// the handler starts serving.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs every check. One unhealthy dependency marks the whole
// service unhealthy; degraded only wins when nothing is down.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(hc.checks)),
	}
	for name, check := range hc.checks {
		res := check()
		status.Checks[name] = res
		switch res.Status {
		case StatusHealthy:
		case StatusDegraded:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		default:
			status.Status = StatusUnhealthy
		}
	}
	return status
}

// Handler serves the aggregate as JSON; unhealthy renders 503 so load
// balancers rotate the instance out.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	}
}

// verdict stamps a timed probe outcome.
func verdict(start time.Time, err error, ok, fail string) CheckResult {
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%s: %v", fail, err),
			Latency: time.Since(start).String(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: ok,
		Latency: time.Since(start).String(),
	}
}

// RedisHealthCheck pings the stream and KV store.
func RedisHealthCheck(client goredis.UniversalClient) HealthCheck {
	return func() CheckResult {
		if client == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "redis client is nil"}
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return verdict(start, client.Ping(ctx).Err(), "redis reachable", "redis ping")
	}
}

// DatabaseHealthCheck pings the metadata database.
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return verdict(start, db.PingContext(ctx), "database reachable", "database ping")
	}
}

// KafkaHealthCheck pings the ingest broker connection.
func KafkaHealthCheck(client *kgo.Client) HealthCheck {
	return func() CheckResult {
		if client == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "kafka client is nil"}
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return verdict(start, client.Ping(ctx), "kafka reachable", "kafka ping")
	}
}

// ConfigurationHealthCheck reports which required keys are unset. Only key
// names appear in the output, never values.
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("missing required configuration: %v", missing),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "all required configuration present"}
	}
}
