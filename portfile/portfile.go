// Package portfile implements port announcement through the filesystem. A
// server that binds an ephemeral port writes it to a small file named after
// the server; editor tooling that did not spawn the process reads the file,
// or watches the directory, to find running servers. Files are written
// atomically so a reader never sees a partial port.
package portfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Temporaries are dot-prefixed so every announcement name, ".tmp"-suffixed
// or not, stays listable. List and Watch skip hidden files.
const tmpSuffix = ".tmp"

func tmpPath(dir, name string) string {
	return filepath.Join(dir, "."+name+tmpSuffix)
}

// Path returns the port file for name inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

// Write announces port under name in dir. The content is the decimal port
// and a newline, written to a temporary file and renamed into place, so a
// concurrent Read sees either the old announcement or the new one. Names
// may not start with a dot; hidden files are invisible to List and Watch.
func Write(dir, name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("portfile: port %d out of range", port)
	}
	if name == "" || strings.HasPrefix(name, ".") {
		return fmt.Errorf("portfile: invalid name %q", name)
	}
	path := Path(dir, name)
	tmp := tmpPath(dir, name)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("portfile: create %s: %w", tmp, err)
	}
	if _, err := f.WriteString(strconv.Itoa(port) + "\n"); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("portfile: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("portfile: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("portfile: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("portfile: rename %s: %w", path, err)
	}
	return nil
}

// Read returns the port announced under name in dir. A missing file reports
// an error satisfying errors.Is(err, os.ErrNotExist).
func Read(dir, name string) (int, error) {
	data, err := os.ReadFile(Path(dir, name))
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("portfile: malformed port file %s", Path(dir, name))
	}
	return port, nil
}

// Remove withdraws the announcement under name in dir. Removing an absent
// file is not an error.
func Remove(dir, name string) error {
	if err := os.Remove(Path(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("portfile: remove: %w", err)
	}
	return nil
}

// List enumerates the announcements currently in dir. Hidden files and
// files that do not parse as port files are skipped; the directory may hold
// other things.
func List(dir string) (map[string]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("portfile: list: %w", err)
	}
	out := make(map[string]int)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		port, err := Read(dir, e.Name())
		if err != nil {
			continue
		}
		out[e.Name()] = port
	}
	return out, nil
}

// Op says what happened to an announcement.
type Op int

const (
	Added Op = iota
	Removed
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "added"
}

// Event reports one change in a watched directory. A rewrite of an existing
// announcement arrives as another Added carrying the new port.
type Event struct {
	Name string
	Port int // set for Added
	Op   Op
}

// Watch streams announcement changes in dir until ctx ends. It reports
// changes from the moment it returns; enumerate what already exists with
// List. The channel closes when ctx ends or the underlying watcher dies.
func Watch(ctx context.Context, dir string) (<-chan Event, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("portfile: watch: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("portfile: watch %s: %w", dir, err)
	}
	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if strings.HasPrefix(name, ".") {
					continue
				}
				switch {
				case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
					port, err := Read(dir, name)
					if err != nil {
						slog.Debug("ignoring unreadable port file",
							slog.String("name", name), slog.String("err", err.Error()))
						continue
					}
					select {
					case ch <- Event{Name: name, Port: port, Op: Added}:
					case <-ctx.Done():
						return
					}
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					select {
					case ch <- Event{Name: name, Op: Removed}:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Debug("port file watcher error", slog.String("err", err.Error()))
			}
		}
	}()
	return ch, nil
}
