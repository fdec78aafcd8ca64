package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/repository"
)

func listQueue(cmd *cobra.Command, args []string) error {
	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	writes, err := db.ListWrites(cmd.Context(), cfg.Backend.Scope)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		fmt.Fprintln(os.Stdout, "No queued writes.")
		return nil
	}
	for _, w := range writes {
		fmt.Fprintf(os.Stdout, "%s  %s %s  alert=%s  queued=%s\n",
			w.ID, w.Method, w.Endpoint, w.AlertID, w.EnqueuedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func listAlerts(cmd *cobra.Command, args []string) error {
	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	alerts, err := db.ListAlerts(cmd.Context(), cfg.Backend.Scope)
	if err != nil {
		return err
	}
	out := alerts[:0]
	for _, a := range alerts {
		if activeOnly && a.Status != models.StatusActive {
			continue
		}
		out = append(out, a)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
