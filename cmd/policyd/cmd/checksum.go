package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/policyd/policyd/internal/adapter/outbound/storage"
	"github.com/policyd/policyd/internal/config"
)

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Recompute db/checksum from the policy files currently on disk",
	Long: `Recompute db/checksum from whatever bucket index and policy files are
currently on disk, for an operator who has edited a file out of band.

This does not take the daemon's cross-process lock: run it only while
policyd is stopped, or you may race a concurrent Save.`,
	RunE: runChecksum,
}

func init() {
	rootCmd.AddCommand(checksumCmd)
}

func runChecksum(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewFileStore(filepath.Join(cfg.Storage.Dir, "db"), logger, nil, nil)
	if err != nil {
		return fmt.Errorf("open database directory: %w", err)
	}

	sums, err := store.Recompute()
	if err != nil {
		return fmt.Errorf("recompute checksums: %w", err)
	}

	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s  %s\n", sums[name], name)
	}
	return nil
}
