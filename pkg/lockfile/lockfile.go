// Package lockfile guards a backup directory against concurrent runs. The
// holder refreshes the lock periodically; a lock that stops being refreshed is
// considered abandoned and may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// FileName is created inside the guarded directory.
const FileName = ".~snapback.lock"

// Owner is the content of the lock file.
type Owner struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Command   string    `json:"command"`
	Refreshed time.Time `json:"refreshed"`
	Nonce     string    `json:"nonce"`
}

// HeldError is returned when another live process owns the lock.
type HeldError struct {
	Owner Owner
	Age   time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("backup directory is locked by %s (pid %d on %s), refreshed %s ago",
		e.Owner.Command, e.Owner.PID, e.Owner.Host, e.Age.Truncate(time.Second))
}

var errLostTakeover = errors.New("another process took over the stale lock first")

// Overridden in tests.
var (
	refreshInterval = time.Minute
	staleAfter      = 3 * time.Minute
	readRetryDelay  = 50 * time.Millisecond
)

// Lock is an acquired lock. Release is safe to call more than once.
type Lock struct {
	path  string
	owner Owner

	stop     context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	released bool
}

// Acquire takes the lock in dir for command. A *HeldError means a live run
// owns it.
func Acquire(ctx context.Context, dir, command string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	const attempts = 3

	for range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := newOwner(command)
		if err != nil {
			return nil, err
		}

		err = createExclusive(path, owner)
		if err == nil {
			return start(path, owner), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("could not create lock file %s: %w", path, err)
		}

		current, readErr := readOwner(path)
		switch {
		case readErr == nil:
			age := time.Since(current.Refreshed)
			if age < staleAfter {
				return nil, &HeldError{Owner: current, Age: age}
			}
			plog.Warn("Taking over stale lock", "pid", current.PID, "host", current.Host, "age", age.Truncate(time.Second))
		case os.IsNotExist(readErr):
			// Released between our create and read; try again.
			continue
		default:
			plog.Warn("Lock file unreadable, treating as stale", "path", path, "error", readErr)
		}

		if err := takeOver(path, owner); err != nil {
			if errors.Is(err, errLostTakeover) {
				plog.Debug("Lost lock takeover race, retrying")
				continue
			}
			return nil, err
		}
		return start(path, owner), nil
	}
	return nil, fmt.Errorf("could not acquire lock %s after %d attempts", path, attempts)
}

func newOwner(command string) (Owner, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Owner{}, fmt.Errorf("could not generate lock nonce: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Owner{
		PID:       os.Getpid(),
		Host:      host,
		Command:   command,
		Refreshed: time.Now().UTC(),
		Nonce:     hex.EncodeToString(nonce),
	}, nil
}

func createExclusive(path string, owner Owner) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	encErr := json.NewEncoder(f).Encode(owner)
	closeErr := f.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		os.Remove(path)
		return fmt.Errorf("could not write lock file: %w", err)
	}
	return nil
}

// takeOver replaces the lock file atomically and reads it back; only the
// process whose nonce survives owns the lock.
func takeOver(path string, owner Owner) error {
	if err := writeAtomic(path, owner); err != nil {
		return err
	}
	current, err := readOwner(path)
	if err != nil {
		return fmt.Errorf("could not verify lock takeover: %w", err)
	}
	if current.Nonce != owner.Nonce {
		return errLostTakeover
	}
	return nil
}

func writeAtomic(path string, owner Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(owner); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readOwner tolerates a few partial reads before giving up.
func readOwner(path string) (Owner, error) {
	var lastErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if err != nil {
			return Owner{}, err
		}
		var owner Owner
		if lastErr = json.Unmarshal(data, &owner); lastErr == nil {
			return owner, nil
		}
		time.Sleep(readRetryDelay)
	}
	return Owner{}, fmt.Errorf("corrupt lock file: %w", lastErr)
}

func start(path string, owner Owner) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{path: path, owner: owner, stop: cancel, done: make(chan struct{})}
	go l.refresh(ctx)
	plog.Debug("Lock acquired", "path", path)
	return l
}

func (l *Lock) refresh(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.owner.Refreshed = time.Now().UTC()
			if err := writeAtomic(l.path, l.owner); err != nil {
				plog.Warn("Could not refresh lock", "path", l.path, "error", err)
			}
		}
	}
}

// Release stops refreshing and removes the lock file.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.stop()
	<-l.done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Could not remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}
