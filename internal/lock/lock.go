// Package lock keeps a second process from trading against the same
// capital state.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"

	"algotrader/internal/logger"
)

// ErrLocked is returned when a live process holds the lock.
var ErrLocked = errors.New("another instance is running")

// Info is written into the lock file.
type Info struct {
	PID     int       `json:"pid"`
	Machine string    `json:"machine"`
	Mode    string    `json:"mode"`
	Started time.Time `json:"started"`
}

// Lock is an acquired lock file.
type Lock struct {
	path string
	info Info
}

// MachineID identifies this host without exposing the raw machine id.
func MachineID() string {
	id, err := machineid.ProtectedID("algotrader")
	if err == nil {
		return id
	}
	host, _ := os.Hostname()
	return "host:" + host
}

// Acquire creates path exclusively. A lock left by a dead process on this
// machine, or an unreadable one, is taken over. A lock from another
// machine is never considered stale.
func Acquire(path, mode string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	info := Info{PID: os.Getpid(), Machine: MachineID(), Mode: mode, Started: time.Now().UTC()}

	for attempt := 0; attempt < 2; attempt++ {
		err := create(path, info)
		if err == nil {
			return &Lock{path: path, info: info}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}

		holder, rerr := Read(path)
		if rerr == nil && !stale(holder, info.Machine) {
			return nil, fmt.Errorf("%w: pid %d since %s (%s)", ErrLocked, holder.PID,
				holder.Started.Format(time.RFC3339), path)
		}
		logger.Warnf("[lock] taking over stale lock %s (pid %d)", path, holder.PID)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lost race for %s", ErrLocked, path)
}

func create(path string, info Info) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Read parses the lock file at path.
func Read(path string) (Info, error) {
	var info Info
	raw, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("parse lock: %w", err)
	}
	return info, nil
}

func stale(holder Info, machine string) bool {
	if holder.Machine != machine {
		return false
	}
	return !alive(holder.PID)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *Lock) Info() Info { return l.info }

// Release removes the lock file if it still belongs to this process.
func (l *Lock) Release() error {
	holder, err := Read(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if holder.PID != l.info.PID || holder.Machine != l.info.Machine {
		return fmt.Errorf("lock %s now held by pid %d", l.path, holder.PID)
	}
	return os.Remove(l.path)
}
