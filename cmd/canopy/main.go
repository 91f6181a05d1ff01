// Canopy CLI
//
// Synchronizes a local working copy with a canopy server: push and pull
// project files, run one-off sync cycles, or watch the working copy and push
// changes continuously.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/blob"
	"github.com/canopysync/canopy/internal/blob/remote"
	"github.com/canopysync/canopy/internal/config"
	"github.com/canopysync/canopy/internal/docclient"
	"github.com/canopysync/canopy/internal/docstore"
	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/project"
	"github.com/canopysync/canopy/internal/retry"
)

var (
	flagServer  string
	flagProject string
	flagDir     string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "canopy",
		Short:         "Synchronize project files with a canopy server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", "", "server URL (default $CANOPY_SERVER)")
	root.PersistentFlags().StringVar(&flagProject, "project", "", "project ID (default $CANOPY_PROJECT)")
	root.PersistentFlags().StringVarP(&flagDir, "dir", "C", ".", "working copy directory")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSyncCmd(),
		newPushCmd(),
		newPullCmd(),
		newStatusCmd(),
		newWatchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session holds everything one CLI invocation needs.
type session struct {
	cfg     *config.Client
	sync    *project.Sync
	workDir string
	state   *docstore.StateFile
	cache   *blob.SessionCache
}

func (s *session) Close() {
	if s.cache != nil {
		s.cache.Clear()
	}
	if s.state != nil {
		s.state.Close()
	}
	logging.Sync()
}

func openSession() (*session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagProject != "" {
		cfg.ProjectID = flagProject
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required (--project or $CANOPY_PROJECT)")
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}); err != nil {
		return nil, err
	}

	workDir, err := filepath.Abs(flagDir)
	if err != nil {
		return nil, err
	}
	stateDir := cfg.StateDir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(workDir, stateDir)
	}

	state, err := docstore.OpenStateFile(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, err
	}

	client := docclient.New(docclient.Config{
		BaseURL:   cfg.ServerURL,
		ProjectID: cfg.ProjectID,
		Retry:     retry.DefaultConfig(),
	})

	store, err := docstore.Open(cfg.ProjectID, client, state)
	if err != nil {
		state.Close()
		return nil, err
	}

	cache, err := blob.NewSessionCache(filepath.Join(stateDir, "cache"))
	if err != nil {
		state.Close()
		return nil, err
	}

	backend := remote.New(remote.Config{
		BaseURL:   cfg.ServerURL,
		ProjectID: cfg.ProjectID,
		TokenFunc: client.BlobToken,
	})
	blobs := blob.NewStore(backend, cache)

	return &session{
		cfg:     cfg,
		sync:    project.New(store, blobs, cfg.MaxConcurrentTransfers),
		workDir: workDir,
		state:   state,
		cache:   cache,
	}, nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.sync.Store().Sync(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("synced, server version %d, %d files\n",
				s.sync.Store().Version(),
				s.sync.Store().Document().FileCount())
			return nil
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [file...]",
		Short: "Push local files to the server (whole working copy if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			if len(args) > 0 {
				for _, arg := range args {
					source := filepath.Join(s.workDir, arg)
					path := filepath.ToSlash(arg)
					if err := s.sync.PushFile(ctx, path, source); err != nil {
						return err
					}
					fmt.Println("pushed", path)
				}
				return nil
			}

			files, err := project.ListLocalFiles(s.workDir)
			if err != nil {
				return err
			}
			err = s.sync.PushFiles(ctx, files, func(path string, index, total int) {
				logging.Debug("pushing", zap.String("path", path),
					zap.Int("index", index), zap.Int("total", total))
			})
			if err != nil {
				return err
			}
			// A sync that merged concurrent remote changes returns before
			// pushing; the batch then waits for the next invocation.
			dirty, err := s.sync.Store().Dirty()
			if err != nil {
				return err
			}
			if dirty {
				fmt.Printf("merged remote changes at server version %d; local changes pending, run push again\n",
					s.sync.Store().Version())
				return nil
			}
			fmt.Printf("pushed %d files, server version %d\n",
				len(files), s.sync.Store().Version())
			return nil
		},
	}
}

func newPullCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "pull [file]",
		Short: "Pull files from the server (whole project if none given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				path := filepath.ToSlash(args[0])
				dest := filepath.Join(s.workDir, args[0])
				if err := s.sync.PullFile(ctx, path, dest); err != nil {
					return err
				}
				fmt.Println("pulled", path)
				return nil
			}

			count := 0
			err = s.sync.PullAll(ctx, s.workDir, prefix, func(path string, index, total int) {
				count++
				fmt.Printf("pulled %s (%d/%d)\n", path, index, total)
			})
			if err != nil {
				return err
			}
			if count == 0 {
				fmt.Println("nothing to pull")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only pull paths under this prefix")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local reconciliation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			store := s.sync.Store()
			if !store.Synced() {
				fmt.Println("never synced")
				return nil
			}
			dirty, err := store.Dirty()
			if err != nil {
				return err
			}
			fmt.Printf("server version: %d\n", store.Version())
			fmt.Printf("files: %d\n", store.Document().FileCount())
			if dirty {
				fmt.Println("local changes pending push")
			} else {
				fmt.Println("clean")
			}
			return nil
		},
	}
}
