package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/offline"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
)

// =====================================================
// queue
// =====================================================

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queued mutations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, false, func(s *offline.Session) error {
				items, err := s.Mutations(cmd.Context())
				if err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"items": items, "total": len(items)})
				}
				rows := make([][]string, 0, len(items))
				for _, m := range items {
					rows = append(rows, []string{
						fmt.Sprint(m.Seq), m.ID, m.EntityKey(), string(m.Operation),
						fmt.Sprint(m.BaseVersion), fmt.Sprint(m.Attempts), stateOf(m),
					})
				}
				return out.WriteTable([]string{"SEQ", "ID", "ENTITY", "OP", "BASE", "ATTEMPTS", "STATE"}, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Summarize the queue and pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, false, func(s *offline.Session) error {
				stats, err := s.QueueStats(cmd.Context())
				if err != nil {
					return err
				}
				pending := len(s.Conflicts())
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"queue": stats, "pending_conflicts": pending})
				}
				return out.WriteTable([]string{"TOTAL", "PENDING", "RETRYING", "FAILED", "ENTITIES", "CONFLICTS"}, [][]string{{
					fmt.Sprint(stats.Total), fmt.Sprint(stats.Pending), fmt.Sprint(stats.Retrying),
					fmt.Sprint(stats.Failed), fmt.Sprint(stats.Entities), fmt.Sprint(pending),
				}})
			})
		},
	})

	return cmd
}

func stateOf(m *models.Mutation) string {
	switch m.ErrorKind {
	case models.ErrorKindTerminal:
		return "failed: " + m.LastError
	case models.ErrorKindTransient:
		return "retrying: " + m.LastError
	default:
		return "pending"
	}
}

// =====================================================
// conflicts
// =====================================================

func newConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve pending conflicts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending conflicts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, false, func(s *offline.Session) error {
				items := s.Conflicts()
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"items": items, "total": len(items)})
				}
				rows := make([][]string, 0, len(items))
				for _, c := range items {
					server := "changed"
					if c.ServerDeleted {
						server = "deleted"
					}
					rows = append(rows, []string{
						c.ID, c.EntityKey, string(c.Operation), server,
						time.UnixMilli(c.DetectedAt).Format(time.RFC3339),
					})
				}
				return out.WriteTable([]string{"ID", "ENTITY", "OP", "SERVER", "DETECTED"}, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <conflict-id> <keep_local|use_server>",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending conflict.

keep_local re-queues the local edit against the server's current version.
use_server drops the local edit and keeps the server's record.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := conflict.ParseResolution(args[1])
			if err != nil {
				return err
			}
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, false, func(s *offline.Session) error {
				result, err := s.Resolve(cmd.Context(), args[0], res)
				if err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(result)
				}
				if result.Requeued != nil {
					return out.Printf("Resolved %s with %s; re-queued as %s (base %d)\n",
						result.Conflict.ID, result.Resolution, result.Requeued.ID, result.Requeued.BaseVersion)
				}
				return out.Printf("Resolved %s with %s\n", result.Conflict.ID, result.Resolution)
			})
		},
	})

	return cmd
}

// =====================================================
// mutation
// =====================================================

func newMutationCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutation",
		Short: "Act on mutations held by a terminal failure",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Clear a terminal failure so the next sync replays the mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, false, func(s *offline.Session) error {
				m, err := s.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(m)
				}
				return out.Printf("Mutation %s will be replayed on the next sync\n", m.ID)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a mutation held by a terminal failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, false, func(s *offline.Session) error {
				if err := s.Discard(cmd.Context(), args[0]); err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"discarded": args[0]})
				}
				return out.Printf("Mutation %s discarded\n", args[0])
			})
		},
	})

	return cmd
}

// =====================================================
// sync
// =====================================================

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the queue against backend.base_url once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withSession(cmd.Context(), opts, true, func(s *offline.Session) error {
				result, err := s.Sync(cmd.Context())
				if err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"outcome": result.Outcome(), "result": result})
				}
				return out.Printf("Sync %s: applied=%d conflicts=%d retrying=%d failed=%d blocked=%d\n",
					result.Outcome(), result.Applied, len(result.Conflicts), result.Retrying, result.Failed, result.Blocked)
			})
		},
	}
}
