package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/penflow/penflow/internal/log"
	internal_storage "github.com/penflow/penflow/internal/storage"
	"github.com/penflow/penflow/pkg/models"
)

// SetupCLI registers the operator commands. They talk to the store
// directly: runs are driven by the server process, so `create` leaves the
// run PENDING for the server to pick up, and `cancel` flips status through
// the store's monotonic-transition predicate.
func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [variant]",
		Short: "Create a new pending run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()

			variant := models.Variant(args[0])
			if !variant.Valid() {
				fmt.Fprintf(os.Stderr, "Error: invalid variant %q (want fast, standard or comprehensive)\n", args[0])
				os.Exit(1)
			}
			userRef, _ := cmd.Flags().GetString("user")
			run := models.WorkflowRun{
				ID:        newRunID(),
				Variant:   variant,
				Status:    models.PendingRunStatus,
				UserRef:   userRef,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := store.CreateRun(run); err != nil {
				log.GetLogger().Errorf("Failed to create run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created %s run %s (estimated duration %s)\n",
				variant, run.ID, variant.EstimatedDuration())
		},
	}
	createCmd.Flags().String("user", "", "Owning user reference")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()

			runs, err := store.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Runs:\n")
			for _, run := range runs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Variant: %s, Status: %s, Created: %s\n",
					run.ID, run.Variant, run.Status, run.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [run-id]",
		Short: "Show a run and its stage results",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()

			run, err := store.GetRun(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			state, err := store.LoadRunState(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Run %s: variant=%s status=%s artifact_ready=%v\n",
				run.ID, run.Variant, run.Status, run.ArtifactReady)
			if run.FailureReason != "" {
				fmt.Fprintf(os.Stdout, "Failure: %s\n", run.FailureReason)
			}
			for _, stage := range models.AllStages() {
				result, ok := state[stage]
				if !ok {
					fmt.Fprintf(os.Stdout, "- %s: PENDING\n", stage)
					continue
				}
				fmt.Fprintf(os.Stdout, "- %s: %s (attempts: %d)\n", stage, result.Status, result.Attempts)
			}
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel a running run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()

			run, err := store.GetRun(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if run.Status != models.RunningRunStatus {
				fmt.Fprintf(os.Stderr, "Error: run %s is %s, only RUNNING runs can be cancelled\n", run.ID, run.Status)
				os.Exit(1)
			}
			if err := store.UpdateRunStatus(run.ID, models.CancelledRunStatus, ""); err != nil {
				log.GetLogger().Errorf("Failed to cancel run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to cancel run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancelled run %s\n", run.ID)
		},
	}

	rootCmd.AddCommand(createCmd, listCmd, getCmd, cancelCmd)
}

func newRunID() string {
	return uuid.New().String()
}

func storeFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
