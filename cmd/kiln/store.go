// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bureau-foundation/kiln/lib/store"
)

func newStoreCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the content-addressed store",
	}
	cmd.AddCommand(
		newStorePutCommand(global),
		newStoreCatCommand(global),
		newStoreSweepCommand(global),
		newStoreCollectCommand(global),
	)
	return cmd
}

func newStorePutCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put [file]",
		Short: "Add a file (or standard input) to the store and print its hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := global.environment("store")
			if err != nil {
				return err
			}
			contentStore, err := openStore(settings, nil, logger)
			if err != nil {
				return err
			}

			var (
				hash store.Hash
				size int64
			)
			if len(args) == 0 || args[0] == "-" {
				var lock *store.Lock
				hash, lock, err = contentStore.Ingest(cmd.InOrStdin())
				if err != nil {
					return err
				}
				size, err = lock.Size()
				lock.Close()
			} else {
				hash, size, err = ingestFile(cmd.Context(), contentStore, args[0])
			}
			if err != nil {
				return err
			}
			logger.Debug("stored", "hash", hash, "size", humanize.IBytes(uint64(size)))
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newStoreCatCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <hash>",
		Short: "Write a stored artifact to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := store.ParseHash(args[0])
			if err != nil {
				return err
			}
			settings, logger, err := global.environment("store")
			if err != nil {
				return err
			}
			contentStore, err := openStore(settings, nil, logger)
			if err != nil {
				return err
			}
			lock, err := contentStore.Open(hash)
			if err != nil {
				return err
			}
			defer lock.Close()
			_, err = io.Copy(cmd.OutOrStdout(), lock)
			return err
		},
	}
}

func newStoreSweepCommand(global *globalOptions) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove abandoned scratch files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, logger, err := global.environment("store")
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("min-age") {
				minAge = settings.Store.SweepMinAge
			}
			contentStore, err := openStore(settings, nil, logger)
			if err != nil {
				return err
			}
			result, err := contentStore.Sweep(minAge)
			printReclaim(cmd.OutOrStdout(), result)
			return err
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only remove files at least this old (default: store.sweep_min_age)")
	return cmd
}

func newStoreCollectCommand(global *globalOptions) *cobra.Command {
	var keep []string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Remove every unlocked artifact not named by --keep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roots := make(map[store.Hash]bool, len(keep))
			for _, value := range keep {
				hash, err := store.ParseHash(value)
				if err != nil {
					return err
				}
				roots[hash] = true
			}
			settings, logger, err := global.environment("store")
			if err != nil {
				return err
			}
			contentStore, err := openStore(settings, nil, logger)
			if err != nil {
				return err
			}
			result, err := contentStore.Collect(func(hash store.Hash) bool { return roots[hash] })
			printReclaim(cmd.OutOrStdout(), result)
			return err
		},
	}
	cmd.Flags().StringArrayVar(&keep, "keep", nil, "hash to retain (repeatable)")
	return cmd
}

func printReclaim(out io.Writer, result store.ReclaimResult) {
	fmt.Fprintf(out, "removed %d files (%s), skipped %d in use\n",
		result.Removed, humanize.IBytes(uint64(result.Bytes)), result.Locked)
}
