package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gridline/imagevault/internal/adapters/artifactstore"
)

type listArtifactsOptions struct {
	Root string
}

func runListArtifacts(cmdCtx *commandContext, args []string) error {
	opts, err := parseListArtifactsFlags(cmdCtx, args)
	if err != nil {
		return err
	}

	store, err := artifactstore.New(artifactstore.Config{
		Root:   opts.Root,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	artifacts, err := store.List()
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	return renderArtifactsTable(os.Stdout, artifacts)
}

func parseListArtifactsFlags(cmdCtx *commandContext, args []string) (listArtifactsOptions, error) {
	fs := flag.NewFlagSet("list-artifacts", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listArtifactsOptions{
		Root: cmdCtx.Config.Storage.Root,
	}

	fs.StringVar(&opts.Root, "root", cmdCtx.Config.Storage.Root, "Artifact storage root directory")

	if err := fs.Parse(args); err != nil {
		return listArtifactsOptions{}, err
	}

	if opts.Root == "" {
		return listArtifactsOptions{}, errors.New("--root is required when STORAGE_ROOT is unset")
	}

	return opts, nil
}

func renderArtifactsTable(w io.Writer, artifacts []*artifactstore.Artifact) error {
	if len(artifacts) == 0 {
		return writeln(w, "No artifacts found.")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "NAME\tSIZE\tMIME\tMODIFIED"); err != nil {
		return err
	}
	for _, a := range artifacts {
		if err := writef(
			tw,
			"%s\t%d\t%s\t%s\n",
			a.Name,
			a.ByteSize,
			a.MimeType,
			formatTimestamp(a.ModTime),
		); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writef(w, "\n%d artifacts.\n", len(artifacts))
}

type pruneArtifactsOptions struct {
	Root    string
	MaxAge  time.Duration
	DryRun  bool
	Yes     bool
	Timeout time.Duration
}

func (p pruneArtifactsOptions) IsDryRun() bool { return p.DryRun }
func (p pruneArtifactsOptions) IsYes() bool    { return p.Yes }
func (p pruneArtifactsOptions) GetTarget() string {
	return fmt.Sprintf("unreferenced artifacts under %q older than %s", p.Root, p.MaxAge)
}

func (p pruneArtifactsOptions) GetWarning() string {
	return "WARNING: pruned artifact files cannot be recovered."
}

// runPruneArtifacts deletes stored files that no attachment row and no job
// result references. Age-gating keeps files a worker wrote but has not yet
// recorded a result for out of the prune set.
func runPruneArtifacts(cmdCtx *commandContext, args []string) error {
	opts, err := parsePruneArtifactsFlags(cmdCtx, args)
	if err != nil {
		return err
	}

	store, err := artifactstore.New(artifactstore.Config{
		Root:   opts.Root,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		referenced, refErr := collectReferencedArtifacts(ctx, db)
		if refErr != nil {
			return refErr
		}

		artifacts, listErr := store.List()
		if listErr != nil {
			return fmt.Errorf("list artifacts: %w", listErr)
		}

		cutoff := time.Now().Add(-opts.MaxAge)
		var candidates []*artifactstore.Artifact
		for _, a := range artifacts {
			if referenced[a.Name] {
				continue
			}
			if a.ModTime.After(cutoff) {
				continue
			}
			candidates = append(candidates, a)
		}

		if len(candidates) == 0 {
			return writeln(os.Stdout, "No unreferenced artifacts to prune.")
		}

		if opts.DryRun {
			if printErr := writef(os.Stdout, "Dry run: %d artifacts would be deleted.\n", len(candidates)); printErr != nil {
				return printErr
			}
			for _, a := range candidates {
				if printErr := writef(os.Stdout, "  %s (%d bytes, modified %s)\n",
					a.Name, a.ByteSize, formatTimestamp(a.ModTime)); printErr != nil {
					return printErr
				}
			}
			return nil
		}

		if confirmErr := confirmAction(opts, "prune unreferenced artifacts"); confirmErr != nil {
			return confirmErr
		}

		deleted := 0
		for _, a := range candidates {
			if delErr := store.Delete(a.Name); delErr != nil {
				cmdCtx.Logger.Warn("failed to delete artifact", "name", a.Name, "error", delErr)
				continue
			}
			deleted++
		}
		return writef(os.Stdout, "Deleted %d of %d unreferenced artifacts.\n", deleted, len(candidates))
	})
}

func parsePruneArtifactsFlags(cmdCtx *commandContext, args []string) (pruneArtifactsOptions, error) {
	fs := flag.NewFlagSet("prune-artifacts", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := pruneArtifactsOptions{
		Root:    cmdCtx.Config.Storage.Root,
		MaxAge:  24 * time.Hour,
		Timeout: 5 * time.Minute,
	}

	fs.StringVar(&opts.Root, "root", cmdCtx.Config.Storage.Root, "Artifact storage root directory")
	fs.DurationVar(&opts.MaxAge, "max-age", 24*time.Hour, "Only prune artifacts last modified at least this long ago")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Show prune candidates without deleting anything")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	fs.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "Maximum duration to wait for pruning")

	if err := fs.Parse(args); err != nil {
		return pruneArtifactsOptions{}, err
	}

	if opts.Root == "" {
		return pruneArtifactsOptions{}, errors.New("--root is required when STORAGE_ROOT is unset")
	}
	if opts.MaxAge <= 0 {
		return pruneArtifactsOptions{}, errors.New("--max-age must be greater than zero")
	}
	if opts.Timeout <= 0 {
		return pruneArtifactsOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

// collectReferencedArtifacts gathers every stored name the database still
// points at: attachment rows and image fetch results.
func collectReferencedArtifacts(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	referenced := make(map[string]bool)

	queries := []string{
		`SELECT stored_name FROM attachments`,
		`SELECT result->>'stored_name' FROM job_results WHERE result ? 'stored_name'`,
	}
	for _, query := range queries {
		if err := collectNames(ctx, db, query, referenced); err != nil {
			return nil, err
		}
	}
	return referenced, nil
}

func collectNames(ctx context.Context, db *sql.DB, query string, into map[string]bool) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query referenced artifacts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var name sql.NullString
		if scanErr := rows.Scan(&name); scanErr != nil {
			return fmt.Errorf("scan referenced artifact name: %w", scanErr)
		}
		if name.Valid && name.String != "" {
			into[name.String] = true
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return fmt.Errorf("iterate referenced artifacts: %w", rowsErr)
	}
	return nil
}
