// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemoryInfo holds system memory statistics.
type MemoryInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
}

// GetMemoryInfo reads and parses /proc/meminfo.
func GetMemoryInfo() (*MemoryInfo, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info := &MemoryInfo{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		// Field format: "Key: VALUE kB"
		val, _ := strconv.ParseUint(fields[1], 10, 64)
		valBytes := val * 1024

		switch fields[0] {
		case "MemTotal:":
			info.TotalBytes = valBytes
		case "MemFree:":
			info.FreeBytes = valBytes
		case "MemAvailable:":
			info.AvailableBytes = valBytes
		}
	}

	// Fallback for Available if not present (older kernels)
	if info.AvailableBytes == 0 {
		info.AvailableBytes = info.FreeBytes
	}

	return info, nil
}

// GetDeviceID returns a unique identifier for this system.
// It tries to read the hardware UUID from /sys/class/dmi/id/product_uuid.
func GetDeviceID() string {
	if data, err := os.ReadFile("/sys/class/dmi/id/product_uuid"); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id
		}
	}

	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id
		}
	}

	return "unknown-device"
}

// SystemRequirementError represents a missing system requirement.
type SystemRequirementError struct {
	Feature string
	Message string
	Fatal   bool
}

func (e *SystemRequirementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Feature, e.Message)
}

// VerifyInterceptSupport checks whether the system can run live packet
// interception. The simulator has no requirements; these gate the NFQUEUE
// adapter only.
func VerifyInterceptSupport() []SystemRequirementError {
	var errs []SystemRequirementError

	// nfnetlink_queue appears once the module is loaded or built in.
	if _, err := os.Stat("/proc/net/netfilter/nfnetlink_queue"); os.IsNotExist(err) {
		errs = append(errs, SystemRequirementError{
			Feature: "NFQUEUE",
			Message: "kernel lacks nfnetlink_queue support",
			Fatal:   true,
		})
		return errs
	}

	if mem, err := GetMemoryInfo(); err == nil {
		if mem.AvailableBytes < 128*1024*1024 {
			errs = append(errs, SystemRequirementError{
				Feature: "Memory",
				Message: fmt.Sprintf("low available memory (%d MB, recommended >= 128 MB)", mem.AvailableBytes/1024/1024),
				Fatal:   false,
			})
		}
	}

	return errs
}
