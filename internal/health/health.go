package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		fmt.Fprintf(&b, "  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			fmt.Fprintf(&b, " - %s", c.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Check is one named dependency probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

type prober interface {
	Probe(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Probe checks an upstream REST endpoint.
func Probe(name string, p prober) Check { return Check{Name: name, Run: p.Probe} }

// Ping checks a storage backend.
func Ping(name string, p pinger) Check { return Check{Name: name, Run: p.Ping} }

// Required fails when a configuration value is empty.
func Required(name, value, env string) Check {
	return Check{Name: name, Run: func(context.Context) error {
		if value == "" {
			return errors.New(env + " not set")
		}
		return nil
	}}
}

// CheckAll runs every check, each bounded by timeout, and returns combined status.
func CheckAll(ctx context.Context, timeout time.Duration, checks ...Check) HealthStatus {
	results := make([]CheckResult, 0, len(checks))
	allOK := true
	for _, c := range checks {
		r := run(ctx, timeout, c)
		if !r.OK {
			allOK = false
		}
		results = append(results, r)
	}
	return HealthStatus{
		OK:        allOK,
		Checks:    results,
		CheckedAt: time.Now().UTC(),
	}
}

func run(ctx context.Context, timeout time.Duration, c Check) CheckResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := c.Run(ctx)
	result := CheckResult{Name: c.Name, Latency: time.Since(start), OK: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
