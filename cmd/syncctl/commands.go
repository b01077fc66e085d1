package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/broker"
	"github.com/Guizzs26/go-sync-queue/internal/config"
	"github.com/Guizzs26/go-sync-queue/internal/models"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.svc.Statistics(cmd.Context(), ownerID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PENDING\t%d\n", st.Pending)
		fmt.Fprintf(w, "PROCESSING\t%d\n", st.Processing)
		fmt.Fprintf(w, "SYNCED\t%d\n", st.Synced)
		fmt.Fprintf(w, "RESOLVED\t%d\n", st.Resolved)
		fmt.Fprintf(w, "FAILED\t%d\n", st.Failed)
		fmt.Fprintf(w, "CONFLICT\t%d\n", st.Conflict)
		fmt.Fprintf(w, "NEEDS ATTENTION\t%d\n", st.NeedsAttention)
		return w.Flush()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's queue items in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		rawStatus, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var statuses []models.Status
		if rawStatus != "" {
			for _, part := range strings.Split(rawStatus, ",") {
				st := models.Status(strings.ToUpper(strings.TrimSpace(part)))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", part)
				}
				statuses = append(statuses, st)
			}
		}

		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		items, err := s.svc.List(cmd.Context(), ownerID, statuses, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tENTITY\tOPERATION\tATTEMPTS\tLOCAL TIME\tERROR")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s/%s\t%s\t%d/%d\t%s\t%s\n",
				it.ID, it.Status, it.Priority, it.EntityType, it.EntityID, it.Operation,
				it.AttemptCount, it.MaxAttempts, it.LocalTimestamp.Format(time.RFC3339), it.ErrorMessage)
		}
		return w.Flush()
	},
}

var processCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Run one sync attempt for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		out, err := s.svc.Process(cmd.Context(), args[0], ownerID)
		if err != nil {
			return err
		}
		return printOutcome(out)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-arm a FAILED item with a fresh attempt budget and process it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		out, err := s.svc.Retry(cmd.Context(), args[0], ownerID)
		if err != nil {
			return err
		}
		return printOutcome(out)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflicted item",
	Long: `Resolve a conflicted item with one of USE_LOCAL, USE_REMOTE, MERGE or MANUAL.
MERGE and MANUAL require the final data as a JSON object in --data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		resolution, _ := cmd.Flags().GetString("resolution")
		rawData, _ := cmd.Flags().GetString("data")

		var merged models.Payload
		if rawData != "" {
			if err := json.Unmarshal([]byte(rawData), &merged); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		out, err := s.svc.ResolveConflict(cmd.Context(), args[0], models.Resolution(strings.ToUpper(resolution)), merged, ownerID)
		if err != nil {
			return err
		}
		return printOutcome(out)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every PENDING item of the owner in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.svc.DrainAll(cmd.Context(), ownerID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		fmt.Printf("total=%d synced=%d retrying=%d conflicts=%d failed=%d skipped=%d\n",
			res.Total, res.Synced, res.Retrying, res.Conflicts, res.Failed, res.Skipped)
		return nil
	},
}

var resetStaleCmd = &cobra.Command{
	Use:   "reset-stale",
	Short: "Release items stuck in PROCESSING",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		if olderThan <= 0 {
			olderThan = s.cfg.StaleAfter
		}
		n, err := s.svc.ResetStale(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("released %d item(s)\n", n)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish an enqueue request to the ingestion exchange",
	Long: `Publish an enqueue request on RabbitMQ, the way devices do. The ingestion
consumer picks it up, persists it and runs the first sync attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOwner(); err != nil {
			return err
		}
		entityType, _ := cmd.Flags().GetString("entity-type")
		entityID, _ := cmd.Flags().GetString("entity-id")
		operation, _ := cmd.Flags().GetString("operation")
		rawPayload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetInt("priority")

		var payload models.Payload
		if rawPayload != "" {
			if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
		}

		req := models.EnqueueRequest{
			OwnerID:        ownerID,
			EntityType:     entityType,
			EntityID:       entityID,
			Operation:      models.Operation(strings.ToUpper(operation)),
			Payload:        payload,
			Priority:       priority,
			LocalTimestamp: time.Now(),
			DeviceID:       "syncctl",
		}

		cfg := config.Load()
		if err := broker.SubmitEnqueueRequest(cmd.Context(), cfg.RabbitMQURL, req); err != nil {
			return err
		}
		fmt.Println("request confirmed by broker")
		return nil
	},
}

func printOutcome(out models.Outcome) error {
	if asJSON {
		return printJSON(out)
	}
	line := fmt.Sprintf("%s -> %s", out.ItemID, out.Status)
	if out.Retrying {
		line += " (will retry)"
	}
	if out.Error != nil {
		line += fmt.Sprintf(" [%s] %s", out.Error.Kind, out.Error.Message)
	}
	fmt.Println(line)
	return nil
}

func init() {
	listCmd.Flags().String("status", "PENDING", "comma-separated statuses to include (empty for all)")
	listCmd.Flags().Int("limit", 0, "maximum number of items (0 uses LIST_LIMIT)")

	resolveCmd.Flags().String("resolution", "", "USE_LOCAL, USE_REMOTE, MERGE or MANUAL")
	resolveCmd.Flags().String("data", "", "final data for MERGE/MANUAL as a JSON object")
	_ = resolveCmd.MarkFlagRequired("resolution")

	resetStaleCmd.Flags().Duration("older-than", 0, "PROCESSING age threshold (defaults to STALE_AFTER_MIN)")

	submitCmd.Flags().String("entity-type", "", "entity type tag, e.g. patient")
	submitCmd.Flags().String("entity-id", "", "target entity id (UPDATE/DELETE)")
	submitCmd.Flags().String("operation", "CREATE", "CREATE, UPDATE, DELETE or SYNC")
	submitCmd.Flags().String("payload", "", "mutation payload as a JSON object")
	submitCmd.Flags().Int("priority", 0, "drain priority; higher drains first")
	_ = submitCmd.MarkFlagRequired("entity-type")

	rootCmd.AddCommand(statsCmd, listCmd, processCmd, retryCmd, resolveCmd, drainCmd, resetStaleCmd, submitCmd)
}
