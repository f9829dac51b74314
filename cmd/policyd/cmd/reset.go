package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/policyd/policyd/internal/config"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the on-disk policy database",
	Long: `Reset removes storage.dir's db/ directory: the bucket index, every
policy file, the guard file and the checksum file.

On next start, policyd boots with an empty database — a single root
bucket at storage.root_default.

Run this only while policyd is stopped; it does not take the daemon's
cross-process file lock and may race a concurrent Save.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbDir := filepath.Join(cfg.Storage.Dir, "db")
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no database found at", dbDir)
		return nil
	}

	fmt.Fprintf(os.Stderr, "This will remove %s\n", dbDir)
	if !resetForce {
		fmt.Fprint(os.Stderr, "Proceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	if err := os.RemoveAll(dbDir); err != nil {
		return fmt.Errorf("remove %s: %w", dbDir, err)
	}

	fmt.Fprintln(os.Stderr, "Reset complete. policyd will start with an empty database on next launch.")
	return nil
}
