package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileLogger is the on-disk NDJSON implementation of Logger (spec 4.3,
// file `audit.ndjson`). Unlike the teacher's in-memory-cached HashChain,
// every Append re-reads the last line from disk under the advisory lock:
// clauth's audit log must be globally totally ordered across processes
// (spec 5), not just within one.
type FileLogger struct {
	path string
	lock *advisoryLock
}

// NewFileLogger opens (creating if necessary) the audit log at path.
func NewFileLogger(path string) (*FileLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: creating state dir %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening log %s: %w", path, err)
	}
	f.Close()
	return &FileLogger{path: path, lock: newAdvisoryLock(path)}, nil
}

func (fl *FileLogger) Append(_ context.Context, event Event, c *Context) (*Entry, error) {
	if err := fl.lock.acquire(); err != nil {
		return nil, err
	}
	defer fl.lock.release()

	prevHash, err := fl.lastHashLocked()
	if err != nil {
		return nil, err
	}

	entry := Entry{Timestamp: time.Now().UTC(), Event: event, Context: c, PrevHash: prevHash}
	hash, err := HashEntry(&entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: marshaling entry: %w", err)
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening log for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("audit: appending entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		slog.Warn("audit: fsync failed", "error", err)
	}

	return &entry, nil
}

// lastHashLocked returns GenesisHash for an empty/absent log, otherwise the
// Hash of the last line. Caller must hold fl.lock.
func (fl *FileLogger) lastHashLocked() (string, error) {
	f, err := os.Open(fl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return GenesisHash, nil
		}
		return "", err
	}
	defer f.Close()

	var lastLine []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lastLine = append(lastLine[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(lastLine) == 0 {
		return GenesisHash, nil
	}

	var entry Entry
	if err := json.Unmarshal(lastLine, &entry); err != nil {
		return "", fmt.Errorf("audit: parsing last entry for chain head: %w", err)
	}
	return entry.Hash, nil
}

func (fl *FileLogger) ReadAll(_ context.Context) ([]Entry, error) {
	f, err := os.Open(fl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 256*1024), 4*1024*1024)
	var seq int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Leave an invalid-JSON marker entry so VerifyIntegrity can
			// report it without aborting the whole read.
			entries = append(entries, Entry{Seq: seq, Hash: invalidJSONMarker})
			seq++
			continue
		}
		e.Seq = seq
		entries = append(entries, e)
		seq++
	}
	return entries, scanner.Err()
}

func (fl *FileLogger) VerifyIntegrity(ctx context.Context) (*ChainVerification, error) {
	entries, err := fl.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return VerifyChain(entries, GenesisHash), nil
}

func (fl *FileLogger) Close() error { return nil }
