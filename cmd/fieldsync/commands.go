package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/scheduler"
	"github.com/solarcrm/fieldsync/internal/uuid"
)

// withApp loads config, opens the stack and runs fn.
func withApp(cmd *cobra.Command, online bool, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, online)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Enqueue command flags
var (
	enqueueKind    string
	enqueueOwner   string
	enqueuePayload string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a submission for delivery",
	Long: `Stores a submission in the local queue. The payload is a JSON object
given with --payload, or read from stdin when --payload is "-".

Example:
  fieldsync enqueue --kind lead --owner ana@solar.example --payload '{"name":"Carla","email":"carla@example.com"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		kind, err := models.ParseKind(enqueueKind)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid kind", err)
		}
		payload := []byte(enqueuePayload)
		if enqueuePayload == "-" {
			if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return errors.Wrap(errors.ErrInvalid, "read payload", err)
			}
		}
		return withApp(cmd, false, func(a *app) error {
			id, err := a.queue.Enqueue(cmd.Context(), kind, payload, enqueueOwner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [owner]",
	Short: "Run a sync round now",
	Long: `Delivers pending records for owner, or for every owner with pending
records when none is given. When connectivity.probe_url is set the round only
runs if the probe succeeds.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		online := true
		if cfg.Connectivity.ProbeURL != "" {
			online = scheduler.NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout).Probe(cmd.Context())
		}
		a, err := newApp(cmd.Context(), cfg, online)
		if err != nil {
			return err
		}
		defer a.Close()

		owners := args
		if len(owners) == 0 {
			if owners, err = a.repo.PendingOwners(cmd.Context()); err != nil {
				return err
			}
		}
		results := make([]syncpkg.Result, 0, len(owners))
		for _, owner := range owners {
			results = append(results, a.queue.SyncNow(cmd.Context(), owner))
		}
		return printJSON(cmd.OutOrStdout(), results)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <owner>",
	Short: "Show queue counts for an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerArg(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(a *app) error {
			st, err := a.queue.Status(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var listStatuses []string

var listCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "List an owner's queued records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerArg(args[0])
		if err != nil {
			return err
		}
		statuses := make([]models.Status, 0, len(listStatuses))
		for _, s := range listStatuses {
			st, err := models.ParseStatus(s)
			if err != nil {
				return errors.Wrap(errors.ErrInvalid, "invalid status", err)
			}
			statuses = append(statuses, st)
		}
		return withApp(cmd, false, func(a *app) error {
			records, err := a.queue.List(cmd.Context(), owner, statuses...)
			if err != nil {
				return err
			}
			if records == nil {
				records = []*models.QueuedRecord{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		})
	},
}

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates <owner>",
	Short: "List records the backend reported as duplicates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerArg(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(a *app) error {
			dups, err := a.resolver.ListDuplicates(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dups)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <local-id> <new|existing>",
	Short: "Resolve a duplicate",
	Long: `Resolves a record in duplicate status:
  new       resubmit it as a new record, bypassing the duplicate check
  existing  keep the server's record and discard the local one`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.ParseLocalID(args[0])
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid record id", err)
		}
		decision, err := conflict.ParseDecision(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(a *app) error {
			if err := a.resolver.Resolve(cmd.Context(), id, decision); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resolved as %s\n", id, decision)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Return a failed record to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.ParseLocalID(args[0])
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid record id", err)
		}
		return withApp(cmd, false, func(a *app) error {
			rec, err := a.queue.RetryRecord(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var clearSyncedCmd = &cobra.Command{
	Use:   "clear-synced <owner>",
	Short: "Remove an owner's delivered records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerArg(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(a *app) error {
			n, err := a.queue.ClearSynced(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced records\n", n)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a queued record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.ParseLocalID(args[0])
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid record id", err)
		}
		return withApp(cmd, false, func(a *app) error {
			return a.queue.DeleteRecord(cmd.Context(), id)
		})
	},
}

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply queue database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return errors.Wrap(errors.ErrStorageUnavailable, "open queue database", err)
		}
		defer database.Close()

		m := db.NewMigrator(database.DB, db.Migrations)
		if err := m.Initialize(); err != nil {
			return errors.Wrap(errors.ErrMigration, "initialize migrations", err)
		}
		if migrateDown {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if err != nil {
			return err
		}
		version, err := m.CurrentVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueKind, "kind", "k", "lead", "lead, checklist or media")
	enqueueCmd.Flags().StringVarP(&enqueueOwner, "owner", "o", "", "owner key of the submitting user")
	enqueueCmd.Flags().StringVarP(&enqueuePayload, "payload", "p", "-", `JSON object, or "-" for stdin`)
	_ = enqueueCmd.MarkFlagRequired("owner")

	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "filter by status (repeatable or comma separated)")
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the latest migration")

}
