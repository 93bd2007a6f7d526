package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sanity-io/litter"

	"github.com/kevinxiao27/treesync/internal/logging"
	"github.com/kevinxiao27/treesync/replica"
	"github.com/kevinxiao27/treesync/store"
	"github.com/kevinxiao27/treesync/tree"
	"github.com/kevinxiao27/treesync/workspace"
)

type item struct {
	ID      int64
	Concept string
	Name    string
}

func items(t *tree.Tree) []item {
	var result []item
	for _, id := range t.Children(tree.RootID, "items") {
		concept, _ := t.Concept(id)
		name, _ := t.Property(id, "name")
		result = append(result, item{ID: id, Concept: concept, Name: name})
	}
	return result
}

func edit(c *replica.Coordinator, fn func(tx *workspace.WriteTx) error) {
	ws, err := c.Branch()
	if err != nil {
		log.Fatal(err)
	}
	if err := ws.RunWrite(fn); err != nil {
		log.Fatal(err)
	}
	if _, err := c.EndEdit(); err != nil {
		log.Fatal(err)
	}
}

func addItem(name string) func(tx *workspace.WriteTx) error {
	return func(tx *workspace.WriteTx) error {
		id, err := tx.AddNewChild(tree.RootID, "items", 0, "Item")
		if err != nil {
			return err
		}
		return tx.SetProperty(id, "name", name)
	}
}

func main() {
	logger, err := logging.New(os.Stderr, "info", "text")
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	backend := store.NewMemory()

	var replicas []*replica.Coordinator
	for _, id := range []uint32{1, 2} {
		c, err := replica.New(ctx, replica.Config{
			Branch:     "main",
			ClientID:   id,
			Author:     fmt.Sprintf("replica-%d", id),
			TickPeriod: 100 * time.Millisecond,
		}, replica.Deps{Objects: backend, Branches: backend, Logger: logger})
		if err != nil {
			log.Fatal(err)
		}
		defer c.Dispose()
		replicas = append(replicas, c)
	}

	edit(replicas[0], addItem("hi"))
	edit(replicas[1], addItem("yoooo"))

	for range 20 {
		for _, c := range replicas {
			if err := c.Sync(ctx); err != nil {
				log.Fatal(err)
			}
		}
	}

	litter.Config.HidePrivateFields = false
	var hashes []string
	for i, c := range replicas {
		v, err := c.LocalVersion()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Replica %d: %s\n", i+1, v)
		litter.Dump(items(v.Tree()))
		hashes = append(hashes, v.Hash())
	}

	if hashes[0] == hashes[1] {
		fmt.Println("Replicas converged")
	} else {
		fmt.Println("Replicas differ")
	}
}
