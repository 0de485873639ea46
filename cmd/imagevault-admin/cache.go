package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridline/imagevault/internal/domain/model"
)

const (
	statusCacheScanCount = 200
	statusCacheDelBatch  = 1000
)

type statusCacheOptions struct {
	Pattern string
	Timeout time.Duration
}

type clearStatusCacheOptions struct {
	Pattern string
	DryRun  bool
	Yes     bool
	Timeout time.Duration
}

func (c clearStatusCacheOptions) IsDryRun() bool { return c.DryRun }
func (c clearStatusCacheOptions) IsYes() bool    { return c.Yes }
func (c clearStatusCacheOptions) GetTarget() string {
	return fmt.Sprintf("cached status keys matching %q", c.Pattern)
}

func (c clearStatusCacheOptions) GetWarning() string {
	return "WARNING: cleared entries will be re-read from the database on the next status poll."
}

func runListStatusCache(cmdCtx *commandContext, args []string) error {
	opts, err := parseStatusCacheFlags(args)
	if err != nil {
		return err
	}

	return withStatusCacheRedis(cmdCtx, opts.Timeout, func(ctx context.Context, client redis.UniversalClient) error {
		entries, scanErr := collectStatusCacheEntries(ctx, client, opts.Pattern)
		if scanErr != nil {
			return scanErr
		}
		return renderStatusCacheTable(os.Stdout, entries)
	})
}

func runClearStatusCache(cmdCtx *commandContext, args []string) error {
	opts, err := parseClearStatusCacheFlags(args)
	if err != nil {
		return err
	}

	return withStatusCacheRedis(cmdCtx, opts.Timeout, func(ctx context.Context, client redis.UniversalClient) error {
		keys, scanErr := collectStatusCacheKeys(ctx, client, opts.Pattern)
		if scanErr != nil {
			return scanErr
		}

		if len(keys) == 0 {
			return writeln(os.Stdout, "No cached status keys matched.")
		}

		if opts.DryRun {
			if printErr := writef(os.Stdout, "Dry run: %d cached status keys would be deleted.\n", len(keys)); printErr != nil {
				return printErr
			}
			for _, key := range keys {
				if printErr := writef(os.Stdout, "  %s\n", key); printErr != nil {
					return printErr
				}
			}
			return nil
		}

		if confirmErr := confirmAction(opts, "delete cached job statuses"); confirmErr != nil {
			return confirmErr
		}

		deleted, delErr := deleteKeysBatched(ctx, client, keys)
		if delErr != nil {
			return delErr
		}
		return writef(os.Stdout, "Deleted %d cached status keys.\n", deleted)
	})
}

func parseStatusCacheFlags(args []string) (statusCacheOptions, error) {
	fs := flag.NewFlagSet("list-status-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := statusCacheOptions{
		Pattern: statusCacheKeyPrefix + "*",
		Timeout: time.Minute,
	}

	fs.StringVar(&opts.Pattern, "pattern", statusCacheKeyPrefix+"*", "Key pattern to scan for")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for the scan")

	if err := fs.Parse(args); err != nil {
		return statusCacheOptions{}, err
	}

	if opts.Timeout <= 0 {
		return statusCacheOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseClearStatusCacheFlags(args []string) (clearStatusCacheOptions, error) {
	fs := flag.NewFlagSet("clear-status-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := clearStatusCacheOptions{
		Pattern: statusCacheKeyPrefix + "*",
		Timeout: time.Minute,
	}

	fs.StringVar(&opts.Pattern, "pattern", statusCacheKeyPrefix+"*", "Key pattern to delete")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Show matching keys without deleting anything")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for deletion")

	if err := fs.Parse(args); err != nil {
		return clearStatusCacheOptions{}, err
	}

	if opts.Timeout <= 0 {
		return clearStatusCacheOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func withStatusCacheRedis(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, redis.UniversalClient) error,
) error {
	_, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantDB:    false,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if redisClient == nil {
		return errors.New("redis is not configured; status cache commands require REDIS_URI")
	}
	defer func() {
		if closeErr := redisClient.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("close redis failed", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, timeout)
	defer cancel()

	return f(ctx, redisClient)
}

type statusCacheEntry struct {
	Key   string
	JobID string
	Code  string
	State string
	TTL   time.Duration
}

func collectStatusCacheEntries(
	ctx context.Context,
	client redis.UniversalClient,
	pattern string,
) ([]statusCacheEntry, error) {
	keys, err := collectStatusCacheKeys(ctx, client, pattern)
	if err != nil {
		return nil, err
	}

	entries := make([]statusCacheEntry, 0, len(keys))
	for _, key := range keys {
		entry := statusCacheEntry{
			Key:   key,
			JobID: strings.TrimPrefix(key, statusCacheKeyPrefix),
			Code:  "-",
			State: "?",
		}

		if raw, getErr := client.Get(ctx, key).Bytes(); getErr == nil {
			var status model.ImageJobStatus
			if jsonErr := json.Unmarshal(raw, &status); jsonErr == nil {
				entry.State = string(status.State)
				if status.Code != "" {
					entry.Code = status.Code
				}
			}
		}
		if ttl, ttlErr := client.TTL(ctx, key).Result(); ttlErr == nil {
			entry.TTL = ttl
		}

		entries = append(entries, entry)
	}
	return entries, nil
}

func collectStatusCacheKeys(
	ctx context.Context,
	client redis.UniversalClient,
	pattern string,
) ([]string, error) {
	var keys []string
	iter := client.Scan(ctx, 0, pattern, statusCacheScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan status cache keys: %w", err)
	}
	return keys, nil
}

func deleteKeysBatched(ctx context.Context, client redis.UniversalClient, keys []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(keys); start += statusCacheDelBatch {
		end := min(start+statusCacheDelBatch, len(keys))
		n, err := client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, fmt.Errorf("delete keys: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

func renderStatusCacheTable(w io.Writer, entries []statusCacheEntry) error {
	if len(entries) == 0 {
		return writeln(w, "No cached status entries found.")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "JOB\tCODE\tSTATE\tTTL"); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := writef(
			tw,
			"%s\t%s\t%s\t%s\n",
			entry.JobID,
			entry.Code,
			entry.State,
			renderTTL(entry.TTL),
		); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writef(w, "\n%d cached status entries.\n", len(entries))
}
