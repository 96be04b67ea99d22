package cli

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"go.uber.org/multierr"
)

// startProfiling starts CPU profiling when cpuPath is set. The returned
// stop function ends it and writes a heap profile when memPath is set.
func startProfiling(cpuPath, memPath string) (stop func() error, err error) {
	var cpuFile *os.File
	if cpuPath != "" {
		cpuFile, err = os.Create(cpuPath)
		if err != nil {
			return nil, fmt.Errorf("could not create CPU profile: %w", err)
		}
		if err := pprof.StartCPUProfile(cpuFile); err != nil {
			cpuFile.Close()
			return nil, fmt.Errorf("could not start CPU profile: %w", err)
		}
	}

	return func() (err error) {
		if cpuFile != nil {
			pprof.StopCPUProfile()
			err = multierr.Append(err, cpuFile.Close())
		}
		if memPath != "" {
			err = multierr.Append(err, writeHeapProfile(memPath))
		}
		return err
	}, nil
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create memory profile: %w", err)
	}
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("could not write memory profile: %w", err)
	}
	return f.Close()
}
