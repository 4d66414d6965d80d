// Package sysinfo reports build and host information for status output.
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"
)

var (
	// Version is the broker version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/mobileatlas/simtunnel/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info describes the running broker process.
type Info struct {
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version"`
	Hostname  string    `json:"hostname"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// Collect gathers process information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PID:       os.Getpid(),
		StartTime: startTime,
	}
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
