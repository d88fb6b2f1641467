package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haivivi/parley/pkg/cli"
	"github.com/haivivi/parley/pkg/sessionstore"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
	Long: `Read session snapshots from the configured store. Only the badger driver
keeps snapshots across restarts; stop the server first, since badger allows
a single process per directory.`,
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print one session snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(func(s *sessionstore.Syncer) error {
			snap, err := s.Load(cmd.Context(), args[0])
			if errors.Is(err, sessionstore.ErrNotFound) {
				return fmt.Errorf("session %q not found", args[0])
			}
			if err != nil {
				return err
			}
			return output(cmd, snap)
		})
	},
}

type snapshotList []sessionstore.Snapshot

func (l snapshotList) Table() cli.Table {
	t := cli.Table{
		Styles:  cli.NewStyles(cli.DefaultTheme),
		Headers: []string{"SESSION", "AGENT", "TURNS", "VERSION", "UPDATED"},
	}
	for _, s := range l {
		t.Rows = append(t.Rows, []string{
			s.SessionID, s.Agent,
			strconv.FormatInt(s.TurnCounter, 10),
			strconv.FormatUint(s.Version, 10),
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return t
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(func(s *sessionstore.Syncer) error {
			snaps, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd, snapshotList(snaps))
		})
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(func(s *sessionstore.Syncer) error {
			if err := s.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		})
	},
}

func withSyncer(fn func(*sessionstore.Syncer) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "badger" {
		return fmt.Errorf("store driver %q keeps no snapshots between runs", cfg.Store.Driver)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	codec, _ := sessionstore.CodecByName(cfg.Store.Codec)
	return fn(sessionstore.NewSyncer(sessionstore.SyncerConfig{Store: store, Codec: codec, Logger: logger}))
}

