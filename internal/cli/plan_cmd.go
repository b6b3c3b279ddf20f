package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bakeplan/api/internal/client"
	"bakeplan/api/internal/config"
	"bakeplan/api/internal/fieldfile"
	"bakeplan/api/internal/plansync"
)

func newLoginCmd() *cobra.Command {
	var remote remoteFlags
	var password string

	cmd := &cobra.Command{
		Use:   "login <name>",
		Short: "Sign in by display name and print a token",
		Long: `Sign in by display name and print a token. Passing a password the first
time claims the name; after that the password is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := client.Login(cmd.Context(), remote.server, args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	remote.register(cmd)
	cmd.Flags().StringVar(&password, "password", os.Getenv("BAKEPLAN_PASSWORD"), "Password for a claimed name")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var remote remoteFlags
	var file string
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "watch <plan>",
		Short: "Follow a plan live, optionally mirroring it into a JSON file you can edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if delay <= 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				delay = cfg.AutosaveDelay
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchPlan(ctx, cmd.OutOrStdout(), client.New(remote.server, remote.token), args[0], file, delay)
		},
	}

	remote.register(cmd)
	cmd.Flags().StringVar(&file, "file", "", "Mirror the plan into this JSON file and save edits made to it")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Autosave quiet period (default from BAKEPLAN_AUTOSAVE_DELAY_MS)")
	return cmd
}

func watchPlan(ctx context.Context, out io.Writer, remote plansync.RemoteStore, planID, file string, delay time.Duration) error {
	renderer := newPrintRenderer(out, file)
	syncer := plansync.New(remote, renderer, plansync.Options{
		Debounce: delay,
		Logger:   log.Default(),
	})
	if err := syncer.Attach(ctx, planID); err != nil {
		return err
	}
	defer syncer.Detach()

	if file != "" {
		watcher, err := fieldfile.Watch(file, syncer, log.Default())
		if err != nil {
			return err
		}
		defer watcher.Close()
		renderer.setWatcher(watcher)
		fmt.Fprintf(out, "Editing %s; saves are written after %s of quiet\n", file, delay)
	}

	for {
		select {
		case <-ctx.Done():
			// Detach drops whatever is still staged.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := syncer.Flush(flushCtx, true); err != nil {
				return fmt.Errorf("final save: %w", err)
			}
			return nil
		case err := <-syncer.Errors():
			if errors.Is(err, plansync.ErrNotFound) {
				return err
			}
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
}

func newSetCmd() *cobra.Command {
	var remote remoteFlags
	var deletes []string

	cmd := &cobra.Command{
		Use:   "set <plan> key=value...",
		Short: "Write plan fields",
		Long: `Write plan fields. Values that look like JSON (a quoted string, a list or
true/false) are decoded; anything else is stored as text.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseAssignments(args[1:], deletes)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return fmt.Errorf("nothing to set")
			}
			written, err := applyChanges(cmd.Context(), client.New(remote.server, remote.token), args[0], changes)
			if err != nil {
				return err
			}
			if written == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Plan already up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d change(s) to %s\n", written, args[0])
			return nil
		},
	}

	remote.register(cmd)
	cmd.Flags().StringSliceVar(&deletes, "delete", nil, "Fields to remove")
	return cmd
}

// applyChanges stages changes on a fresh synchronizer and writes them
// immediately. It returns how many fields actually differed.
func applyChanges(ctx context.Context, remote plansync.RemoteStore, planID string, changes plansync.ChangeSet) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	syncer := plansync.New(remote, nil, plansync.Options{Logger: log.Default()})
	if err := syncer.Attach(ctx, planID); err != nil {
		return 0, err
	}
	defer syncer.Detach()

	for _, key := range changes.Keys() {
		change := changes[key]
		if change.Op == plansync.OpDelete {
			syncer.RecordLocalDelete(key)
			continue
		}
		syncer.RecordLocalChange(key, change.Value)
	}
	written := len(plansync.Diff(syncer.Pending(), syncer.Remote().Fields, nil))
	if err := syncer.Flush(ctx, true); err != nil {
		return 0, err
	}
	return written, nil
}

func parseAssignments(args, deletes []string) (plansync.ChangeSet, error) {
	changes := make(plansync.ChangeSet)
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		value, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		changes[key] = plansync.Set(value)
	}
	for _, key := range deletes {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := changes[key]; ok {
			return nil, fmt.Errorf("field %q is both set and deleted", key)
		}
		changes[key] = plansync.Delete()
	}
	return changes, nil
}

func parseValue(raw string) (plansync.Value, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "true" || trimmed == "false" || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, `"`) {
		var value plansync.Value
		if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
			return plansync.Value{}, err
		}
		return value, nil
	}
	return plansync.String(raw), nil
}

// printRenderer prints remote updates and, with a file, mirrors them into it.
type printRenderer struct {
	out  io.Writer
	file string

	mu      sync.Mutex
	fields  map[string]plansync.Value
	watcher *fieldfile.Watcher
}

func newPrintRenderer(out io.Writer, file string) *printRenderer {
	return &printRenderer{out: out, file: file, fields: make(map[string]plansync.Value)}
}

func (r *printRenderer) setWatcher(w *fieldfile.Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watcher = w
}

func (r *printRenderer) Render(key string, value plansync.Value) {
	r.RenderFields(map[string]plansync.Value{key: value})
}

// RenderFields prints one remote update and rewrites the mirror file once.
func (r *printRenderer) RenderFields(fields map[string]plansync.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := fields[key]; value.IsNull() {
			fmt.Fprintf(r.out, "- %s\n", key)
		} else {
			fmt.Fprintf(r.out, "%s = %s\n", key, value)
		}
	}
	if r.file == "" {
		return
	}

	// Once the file is watched it may hold saves the watcher has not read
	// yet; Merge keeps those instead of overwriting them.
	if r.watcher != nil {
		if err := r.watcher.Merge(fields); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		return
	}
	for key, value := range fields {
		if value.IsNull() {
			delete(r.fields, key)
		} else {
			r.fields[key] = value
		}
	}
	if err := fieldfile.Write(r.file, r.fields); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

func (r *printRenderer) FocusedField() string { return "" }
