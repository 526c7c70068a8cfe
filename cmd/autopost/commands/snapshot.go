package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/sym"
)

// ImportCmd seeds the database from a legacy JSON queue file
var ImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: sym.DB + " Import a legacy JSON queue into an empty database",
	Long: sym.DB + ` import — seed the database from a legacy JSON queue

Without an argument the file named by paths.legacy_queue is used. Nothing is
imported when the database already holds jobs. Content hashes are filled in
afterwards so duplicate checks see the imported posts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

// ExportCmd writes a snapshot of every job
var ExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: sym.DB + " Write every job to a JSON or YAML snapshot",
	Long: sym.DB + ` export — snapshot the queue

Writes to stdout when no file is given.

Examples:
  autopost export queue.json
  autopost export --format yaml > queue.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var exportFormat string

func init() {
	ExportCmd.Flags().StringVarP(&exportFormat, "format", "f", queue.FormatJSON, "Output format: json, yaml")
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path := a.cfg.Paths.LegacyQueue
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.WithHint(
			errors.Mark(errors.New("no legacy queue file given"), errors.ErrInvalidInput),
			"pass a file or set paths.legacy_queue")
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open legacy queue %s", path)
	}
	defer f.Close()

	ctx := cmd.Context()
	imported, err := a.store.Import(ctx, f, a.alloc.Config().Location)
	if err != nil {
		return err
	}
	hashed, err := a.store.BackfillHashes(ctx, nil)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s Imported %d job(s), hashed %d\n", sym.DB, imported, hashed)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		return a.store.Export(cmd.Context(), cmd.OutOrStdout(), exportFormat)
	}
	if err := writeSnapshot(cmd.Context(), a.store, args[0], exportFormat); err != nil {
		return err
	}
	printf(cmd.ErrOrStderr(), "%s Wrote %s\n", sym.DB, args[0])
	return nil
}

// writeSnapshot exports to a temp file beside path and renames it into place,
// so readers never see a half-written snapshot.
func writeSnapshot(ctx context.Context, store *queue.Store, path, format string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	defer os.Remove(tmp.Name())

	if err := store.Export(ctx, tmp, format); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to move snapshot into %s", path)
	}
	return nil
}
