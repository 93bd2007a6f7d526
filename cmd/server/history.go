package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/kevinxiao27/treesync/eg"
	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/util"
)

type historyEntry struct {
	Hash    string
	ID      int64
	Kind    eg.Kind
	Parents []string
	Author  string
	Time    string
	Ops     []string
}

func newHistoryEntry(v *eg.Version) historyEntry {
	ops := make([]string, 0, len(v.Operations()))
	for _, op := range v.Operations() {
		ops = append(ops, op.String())
	}
	return historyEntry{
		Hash:    v.Hash(),
		ID:      v.ID(),
		Kind:    v.Kind(),
		Parents: v.Parents(),
		Author:  util.Choose(v.Author() != "", v.Author(), "-"),
		Time:    v.Time().Format(time.RFC3339),
		Ops:     ops,
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	branch := cfg.Replica.Branch
	if len(args) == 1 {
		branch = args[0]
	}
	remote, _ := cmd.Flags().GetString("remote")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	all, _ := cmd.Flags().GetBool("all")

	var st store.Store
	switch {
	case dataDir != "":
		db, err := openBadger(dataDir, cfg.Server, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		st = db
	case remote != "":
		st = store.NewClient(remote, nil)
	default:
		st = store.NewClient(cfg.Replica.Remote, nil)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	hash, ok, err := st.GetBranch(ctx, branch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("branch %s does not exist", branch)
	}

	arena := eg.NewArena(st)
	head, err := arena.Get(ctx, hash)
	if err != nil {
		return err
	}
	history, err := eg.Linearize(ctx, arena, "", head)
	if err != nil {
		return err
	}
	if !all {
		history = eg.NonMerges(history)
	}

	entries := make([]historyEntry, 0, len(history))
	for _, v := range history {
		entries = append(entries, newHistoryEntry(v))
	}
	litter.Dump(entries)

	ops := util.Reduce(history, func(v *eg.Version, n int) int { return n + len(v.Operations()) }, 0)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d versions, %d operations, head %s\n", branch, len(history), ops, hash)
	return nil
}
