package deps

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const mib = 1024 * 1024

// memoryProbe returns total and available memory in bytes.
type memoryProbe func(ctx context.Context) (total, available uint64, err error)

func systemMemory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// CheckMemory compares the host's available memory with the toolchain minimum.
func CheckMemory(ctx context.Context, minMiB int) Status {
	return checkMemory(ctx, minMiB, systemMemory)
}

func checkMemory(ctx context.Context, minMiB int, probe memoryProbe) Status {
	status := Status{
		Name:        "Memory",
		Description: fmt.Sprintf("At least %d MiB available for the toolchain", minMiB),
	}
	total, available, err := probe(ctx)
	if err != nil {
		status.Detail = fmt.Sprintf("memory probe failed: %v", err)
		return status
	}
	status.Command = fmt.Sprintf("%d MiB available of %d MiB", available/mib, total/mib)
	if minMiB > 0 && available < uint64(minMiB)*mib {
		status.Detail = fmt.Sprintf("only %d MiB available, toolchain.min_memory_mib is %d", available/mib, minMiB)
		return status
	}
	status.Available = true
	return status
}

// CPUCount returns the number of logical CPUs, or 0 when unknown.
func CPUCount(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0
	}
	return n
}
