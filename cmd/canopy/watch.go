package main

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/project"
)

func newWatchCmd() *cobra.Command {
	var (
		debounce time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the working copy and push changes continuously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			return watch(cmd.Context(), s, debounce, interval)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "settle time after a filesystem change before pushing")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "periodic pull interval")
	return cmd
}

func watch(ctx context.Context, s *session, debounce, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchDirs(watcher, s.workDir); err != nil {
		return err
	}

	// Start from a reconciled state.
	if err := pushWorkingCopy(ctx, s); err != nil {
		return err
	}
	fmt.Printf("watching %s, server version %d\n", s.workDir, s.sync.Store().Version())

	var debounceCh <-chan time.Time
	pull := time.NewTicker(interval)
	defer pull.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if skipEvent(event) {
				continue
			}
			// New directories need their own watches.
			if event.Op.Has(fsnotify.Create) {
				if err := addWatchDirs(watcher, event.Name); err != nil {
					logging.Warn("watch new dir failed", zap.String("path", event.Name), zap.Error(err))
				}
			}
			debounceCh = time.After(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watcher error", zap.Error(err))

		case <-debounceCh:
			debounceCh = nil
			if err := pushWorkingCopy(ctx, s); err != nil {
				logging.Error("push failed", zap.Error(err))
				continue
			}
			fmt.Printf("pushed changes, server version %d\n", s.sync.Store().Version())

		case <-pull.C:
			// Materialize remote additions into the working copy. A bare
			// document sync would leave them absent locally, and the next
			// push batch would classify them as deletions.
			if err := s.sync.PullAll(ctx, s.workDir, "", nil); err != nil {
				logging.Error("periodic pull failed", zap.Error(err))
			}
		}
	}
}

func pushWorkingCopy(ctx context.Context, s *session) error {
	files, err := project.ListLocalFiles(s.workDir)
	if err != nil {
		return err
	}
	return s.sync.PushFiles(ctx, files, nil)
}

// addWatchDirs registers root and every non-hidden directory under it.
func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func skipEvent(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return true
	}
	// Only content-changing operations matter.
	return !event.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename)
}
