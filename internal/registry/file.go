package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/buildrun/daemonconnect/internal/daemon"
)

// regionSize is the fixed capacity of the mapped registry file. The
// document (a length-prefixed JSON blob) must fit within it; File.save
// returns an error if it doesn't, rather than silently growing the
// mapping under concurrent readers.
const regionSize = 4 << 20 // 4 MiB

// File is a Registry backed by a single file on disk: a gofrs/flock
// advisory lock serializes access across processes, and the file's
// content is read and rewritten through an edsrzf/mmap-go mapping.
type File struct {
	path     string
	lock     *flock.Flock
	tokenDir string

	mu sync.Mutex
}

type document struct {
	Infos  map[string]daemon.Info `json:"infos"`
	Events []daemon.StopEvent     `json:"events"`
}

// NewFile opens (creating if necessary) a file-backed registry at path.
// A sibling lock file and a lock-token directory are created alongside it.
func NewFile(path string) (*File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	tokenDir := filepath.Join(dir, ".registry-locks")
	if err := os.MkdirAll(tokenDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create lock-token dir: %w", err)
	}

	f := &File{
		path:     path,
		lock:     flock.New(path + ".lock"),
		tokenDir: tokenDir,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := f.withLock(func() error {
			return f.save(document{Infos: map[string]daemon.Info{}})
		}); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// withLock acquires the advisory file lock, writes a UUID token file so a
// stale lock holder can later be identified for diagnostics, runs fn, and
// always releases the lock and removes the token file.
func (f *File) withLock(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer f.lock.Unlock()

	token := uuid.New().String()
	tokenPath := filepath.Join(f.tokenDir, token)
	if err := os.WriteFile(tokenPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err == nil {
		defer os.Remove(tokenPath)
	}

	return fn()
}

func (f *File) load() (document, error) {
	fh, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
	if err != nil {
		return document{}, fmt.Errorf("registry: open: %w", err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return document{}, fmt.Errorf("registry: stat: %w", err)
	}
	if info.Size() == 0 {
		return document{Infos: map[string]daemon.Info{}}, nil
	}

	region, err := mmap.MapRegion(fh, regionSize, mmap.RDONLY, 0, 0)
	if err != nil {
		return document{}, fmt.Errorf("registry: map: %w", err)
	}
	defer region.Unmap()

	n := binary.BigEndian.Uint32(region[:4])
	if n == 0 {
		return document{Infos: map[string]daemon.Info{}}, nil
	}
	if int(n) > regionSize-4 {
		return document{}, fmt.Errorf("registry: corrupt length prefix %d", n)
	}

	var doc document
	if err := json.Unmarshal(region[4:4+n], &doc); err != nil {
		return document{}, fmt.Errorf("registry: decode: %w", err)
	}
	if doc.Infos == nil {
		doc.Infos = map[string]daemon.Info{}
	}
	return doc, nil
}

func (f *File) save(doc document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	if len(payload)+4 > regionSize {
		return fmt.Errorf("registry: document (%d bytes) exceeds mapped region", len(payload))
	}

	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("registry: open: %w", err)
	}
	defer fh.Close()

	if err := fh.Truncate(regionSize); err != nil {
		return fmt.Errorf("registry: truncate: %w", err)
	}

	region, err := mmap.MapRegion(fh, regionSize, mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("registry: map: %w", err)
	}
	defer region.Unmap()

	binary.BigEndian.PutUint32(region[:4], uint32(len(payload)))
	copy(region[4:], payload)
	return region.Flush()
}

func (f *File) GetAll() ([]daemon.Info, error) {
	var out []daemon.Info
	err := f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		out = make([]daemon.Info, 0, len(doc.Infos))
		for _, info := range doc.Infos {
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

func (f *File) GetIdle() ([]daemon.Info, error) {
	all, err := f.GetAll()
	if err != nil {
		return nil, err
	}
	idle := all[:0:0]
	for _, info := range all {
		if info.State == daemon.Idle {
			idle = append(idle, info)
		}
	}
	return idle, nil
}

func (f *File) Get(id string) (daemon.Info, bool, error) {
	var info daemon.Info
	var ok bool
	err := f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		info, ok = doc.Infos[id]
		return nil
	})
	return info, ok, err
}

// Store inserts or replaces a daemon record. Not part of the Registry
// interface the connector consumes; used by tests and by anything
// standing in for the out-of-scope daemon-side registry writer.
func (f *File) Store(info daemon.Info) error {
	return f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		doc.Infos[info.ID] = info
		return f.save(doc)
	})
}

func (f *File) Remove(id string) error {
	return f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		delete(doc.Infos, id)
		return f.save(doc)
	})
}

func (f *File) GetStopEvents() ([]daemon.StopEvent, error) {
	var out []daemon.StopEvent
	err := f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		out = append(out, doc.Events...)
		return nil
	})
	return out, err
}

func (f *File) StoreStopEvent(ev daemon.StopEvent) error {
	return f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		doc.Events = append(doc.Events, ev)
		return f.save(doc)
	})
}

func (f *File) RemoveStopEvents(toRemove []daemon.StopEvent) error {
	return f.withLock(func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		drop := make(map[string]struct{}, len(toRemove))
		for _, ev := range toRemove {
			drop[stopEventKey(ev)] = struct{}{}
		}
		kept := doc.Events[:0]
		for _, ev := range doc.Events {
			if _, gone := drop[stopEventKey(ev)]; !gone {
				kept = append(kept, ev)
			}
		}
		doc.Events = kept
		return f.save(doc)
	})
}

var _ Registry = (*File)(nil)
