package cmd

import (
	"fmt"
	"io"
	"orcjit/logging"
	"orcjit/memory"
	"orcjit/remote"
	"os"
	"os/exec"
)

// executorBase is where the executor's allocators start handing out memory
const executorBase = 0x7f0000000000

// stdio joins the process's standard streams into one stream
type stdio struct {
	io.Reader
	io.Writer
}

// execServeCommand turns the process into an executor serving memory to the
// JIT on the other end of its standard streams
func execServeCommand() error {
	// stdout carries frames
	logging.Initialize("silent")

	reg := memory.NewRegistry(func() memory.Allocator {
		return memory.NewSimulatedAllocator(executorBase)
	})

	s := remote.NewServer()
	remote.ServeMemory(s, reg, remote.NewEHFrameRegistry())
	return s.Serve(stdio{os.Stdin, os.Stdout})
}

// startExecutor launches an executor process and creates an allocator in it.
// The returned function terminates the executor.
func startExecutor() (*remote.RemoteAllocator, func(), error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}

	proc := exec.Command(self, "serve")
	proc.Stderr = os.Stderr

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, nil, err
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}

	if err := proc.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting executor: %w", err)
	}

	t := remote.NewPipeTransport(stdio{stdout, stdin})
	stop := func() {
		if err := t.Close(); err != nil {
			logging.LogSessionError("Executor", err)
		}

		stdin.Close()
		if err := proc.Wait(); err != nil {
			logging.LogSessionError("Executor", err)
		}
	}

	ra, err := remote.NewRemoteAllocator(t)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("creating remote allocator: %w", err)
	}

	logging.LogDebug("remote", "executor %d serving allocator %d", proc.Process.Pid, ra.ID())
	return ra, stop, nil
}
