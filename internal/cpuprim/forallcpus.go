package cpuprim

import (
	"fmt"
	"runtime"
	"sync"
)

// NumCPU returns the number of logical CPUs VMX must be enabled on
// and the hook registry's barrier dispatch must reach.
func NumCPU() int { return runtime.NumCPU() }

// ForEachCPU runs fn once per logical CPU, each pinned to its CPU via
// OS thread affinity, and waits for every call to finish before
// returning. It is the barrier dispatch primitive every multi-core
// operation builds on: per-CPU VMX enable/disable, hook install
// broadcast, and global INVEPT/INVVPID flushes.
//
// If any call returns a non-nil error, ForEachCPU still waits for
// every other call to finish (a partial dispatch would leave some
// CPUs mid-transition) and returns the first error encountered in CPU
// order.
func ForEachCPU(fn func(cpu int) error) error {
	n := runtime.NumCPU()
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for cpu := 0; cpu < n; cpu++ {
		cpu := cpu
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if err := pinToCPU(cpu); err != nil {
				errs[cpu] = fmt.Errorf("cpu %d: pin to CPU: %w", cpu, err)
				return
			}
			errs[cpu] = fn(cpu)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
