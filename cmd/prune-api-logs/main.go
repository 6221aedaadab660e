package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/finfolio/selfassess_backend/config"
	"bitbucket.org/finfolio/selfassess_backend/models"
)

// prune-api-logs applies retention to the HMRC API audit log. Entries strictly
// older than the cutoff are hard-deleted; an entry exactly at the boundary is
// retained.
//
// Dry-run (default): count only
//   go run ./cmd/prune-api-logs -days=30
//
// Execute:
//   go run ./cmd/prune-api-logs -days=30 -dry-run=false -confirm=DELETE
func main() {
	days := flag.Int("days", 30, "Retention window in days")
	dryRun := flag.Bool("dry-run", true, "Count only (no deletes)")
	confirm := flag.String("confirm", "", "Type DELETE to proceed when dry-run=false")
	flag.Parse()

	if *days <= 0 {
		fmt.Fprintln(os.Stderr, "--days must be positive")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "DELETE" {
		fmt.Fprintln(os.Stderr, "set --confirm=DELETE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	cutoff := time.Now().UTC().AddDate(0, 0, -*days)

	if *dryRun {
		var count int64
		if err := db.WithContext(ctx).Model(&models.HmrcApiLog{}).
			Where("created_at < ?", cutoff).Count(&count).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("dry-run: %d entries older than %s would be deleted\n", count, cutoff.Format(time.RFC3339))
		return
	}

	store := models.NewGormLogStore(db)
	deleted, err := store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %d entries older than %s\n", deleted, cutoff.Format(time.RFC3339))
}
