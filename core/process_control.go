package core

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"execguard/internal/procguard"
	"execguard/utils"
)

// ProcessSignaler delivers a signal to a pid.
type ProcessSignaler interface {
	Signal(pid int32, sig unix.Signal) error
}

// GenerationReader returns the current generation of pid.
type GenerationReader interface {
	Generation(pid int32) (uint64, error)
}

type unixSignaler struct{}

func (unixSignaler) Signal(pid int32, sig unix.Signal) error {
	return unix.Kill(int(pid), sig)
}

func NewUnixSignaler() ProcessSignaler { return unixSignaler{} }

// ProcFSGenerations reads generations from /proc/<pid>/stat start times.
type ProcFSGenerations struct {
	FS utils.ProcFS
}

func (g ProcFSGenerations) Generation(pid int32) (uint64, error) {
	return g.FS.StartTime(pid)
}

// ProcessControl sends signals only to the exact process instance a key
// names. Every signal is preceded by two generation reads: one before the
// action is considered and one immediately before the kill(2).
type ProcessControl struct {
	signaler ProcessSignaler
	gens     GenerationReader
	guard    *procguard.Guard
	logger   *slog.Logger
}

func NewProcessControl(sig ProcessSignaler, gens GenerationReader, guard *procguard.Guard, logger *slog.Logger) *ProcessControl {
	if logger == nil {
		logger = slog.Default().With("component", "process_control")
	}
	return &ProcessControl{signaler: sig, gens: gens, guard: guard, logger: logger}
}

func (pc *ProcessControl) Guard() *procguard.Guard {
	return pc.guard
}

func (pc *ProcessControl) checkGeneration(k procguard.Key) error {
	gen, err := pc.gens.Generation(k.PID)
	if err != nil {
		return fmt.Errorf("%w: pid %d: %w", ErrGenerationMismatch, k.PID, err)
	}
	if gen != k.Generation {
		return fmt.Errorf("%w: pid %d is generation %d, want %d", ErrGenerationMismatch, k.PID, gen, k.Generation)
	}
	return nil
}

// Signal delivers sig to k if k is still the live process for its pid.
func (pc *ProcessControl) Signal(k procguard.Key, sig unix.Signal) error {
	if err := pc.checkGeneration(k); err != nil {
		return err
	}
	return pc.signalChecked(k, sig)
}

func (pc *ProcessControl) signalChecked(k procguard.Key, sig unix.Signal) error {
	if err := pc.checkGeneration(k); err != nil {
		return err
	}
	if err := pc.signaler.Signal(k.PID, sig); err != nil {
		return fmt.Errorf("signal %s to %s: %w", unix.SignalName(sig), k, err)
	}
	return nil
}

// Suspend stops k. The caller marks k in the guard first so a concurrent
// approval can never see a stopped process it doesn't know about.
func (pc *ProcessControl) Suspend(k procguard.Key) error {
	return pc.Signal(k, unix.SIGSTOP)
}

// Resume continues k. It only acts on processes this agent suspended.
func (pc *ProcessControl) Resume(k procguard.Key) error {
	return pc.guarded(k, unix.SIGCONT)
}

// Kill terminates k. It only acts on processes this agent suspended.
func (pc *ProcessControl) Kill(k procguard.Key) error {
	return pc.guarded(k, unix.SIGKILL)
}

func (pc *ProcessControl) guarded(k procguard.Key, sig unix.Signal) error {
	if err := pc.checkGeneration(k); err != nil {
		pc.logDrop(k, sig, err)
		return err
	}
	if !pc.guard.IsSuspended(k) {
		return fmt.Errorf("%w: %s", ErrNotSuspended, k)
	}
	if err := pc.signalChecked(k, sig); err != nil {
		pc.logDrop(k, sig, err)
		return err
	}
	return nil
}

func (pc *ProcessControl) logDrop(k procguard.Key, sig unix.Signal, err error) {
	if errors.Is(err, ErrGenerationMismatch) {
		pc.logger.Debug("dropping signal for replaced process",
			"pid", k.PID, "generation", k.Generation, "signal", unix.SignalName(sig), "error", err)
	}
}
