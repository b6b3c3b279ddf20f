// Package fieldfile turns edits of a local JSON file into staged plan changes.
// The file holds one object whose keys are plan fields; saving it in an
// editor stages the difference and schedules a debounced write.
package fieldfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"bakeplan/api/internal/plansync"
)

// Editor receives staged changes. *plansync.Synchronizer satisfies it.
type Editor interface {
	RecordLocalChange(key string, value plansync.Value)
	RecordLocalDelete(key string)
	Flush(ctx context.Context, immediate bool) error
}

// Load reads a field file. A missing or empty file is an empty plan.
func Load(path string) (map[string]plansync.Value, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]plansync.Value{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]plansync.Value{}, nil
	}
	fields := make(map[string]plansync.Value)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fields, nil
}

// Write stores fields as indented JSON, replacing the file atomically.
func Write(path string, fields map[string]plansync.Value) error {
	raw, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// Changes lists what turns prev into next. Null values count as deletions.
func Changes(prev, next map[string]plansync.Value) plansync.ChangeSet {
	out := make(plansync.ChangeSet)
	for key, value := range next {
		if value.IsNull() {
			if _, ok := prev[key]; ok {
				out[key] = plansync.Delete()
			}
			continue
		}
		if old, ok := prev[key]; !ok || !old.Equal(value, true) {
			out[key] = plansync.Set(value)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			out[key] = plansync.Delete()
		}
	}
	return out
}

// Watcher feeds saves of one file into an Editor.
type Watcher struct {
	path    string
	editor  Editor
	logger  *log.Logger
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	last map[string]plansync.Value

	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts watching path. The file's current content is the baseline;
// only later saves produce changes. The parent directory is watched because
// editors often save by renaming a temp file over the original.
func Watch(path string, editor Editor, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	baseline, err := Load(abs)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		editor:  editor,
		logger:  logger,
		watcher: fsw,
		last:    baseline,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Baseline returns a copy of the fields last read from the file.
func (w *Watcher) Baseline() map[string]plansync.Value {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]plansync.Value, len(w.last))
	for key, value := range w.last {
		out[key] = value
	}
	return out
}

// Merge writes remote values into the file in one rewrite. A null value
// removes the key. The file is read first: edits saved since the last read
// are staged on the editor as if the watcher had seen them, and keys with
// such an edit keep the local value. The result becomes the baseline so the
// rewrite is not staged as a local edit.
func (w *Watcher) Merge(remote map[string]plansync.Value) error {
	w.mu.Lock()
	disk, err := Load(w.path)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("merge remote fields: %w", err)
	}
	local := Changes(w.last, disk)
	merged := make(map[string]plansync.Value, len(disk)+len(remote))
	for key, value := range disk {
		merged[key] = value
	}
	for key, value := range remote {
		if _, edited := local[key]; edited {
			continue
		}
		if value.IsNull() {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	if err := Write(w.path, merged); err != nil {
		w.mu.Unlock()
		return err
	}
	w.last = merged
	w.mu.Unlock()

	w.stage(local)
	return nil
}

func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("fieldfile: watch %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) reload() {
	// The read happens under mu so a concurrent Merge cannot slip between it
	// and the baseline update.
	w.mu.Lock()
	next, err := Load(w.path)
	if err != nil {
		w.mu.Unlock()
		// Half-written saves fail to parse; the next event retries.
		w.logger.Printf("fieldfile: %v", err)
		return
	}
	changes := Changes(w.last, next)
	w.last = next
	w.mu.Unlock()

	w.stage(changes)
}

func (w *Watcher) stage(changes plansync.ChangeSet) {
	if len(changes) == 0 {
		return
	}
	for _, key := range changes.Keys() {
		change := changes[key]
		if change.Op == plansync.OpDelete {
			w.editor.RecordLocalDelete(key)
			continue
		}
		w.editor.RecordLocalChange(key, change.Value)
	}
	if err := w.editor.Flush(context.Background(), false); err != nil {
		w.logger.Printf("fieldfile: schedule save: %v", err)
	}
}
