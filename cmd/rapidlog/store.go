package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rapidlog/internal/docstore"
	"rapidlog/internal/docstore/bolt"
	"rapidlog/internal/docstore/memory"
	"rapidlog/internal/docstore/sqlite"
	"rapidlog/internal/home"
)

// openStore opens the document store of the given type in the home directory.
func openStore(hd home.Dir, storeType string) (docstore.Store, error) {
	if storeType == "memory" {
		return memory.NewStore(), nil
	}
	if err := hd.EnsureExists(); err != nil {
		return nil, err
	}
	switch storeType {
	case "sqlite":
		return sqlite.NewStore(hd.StorePath("sqlite"))
	case "bolt":
		return bolt.NewStore(hd.StorePath("bolt"))
	default:
		return nil, fmt.Errorf("unknown store type %q (supported: sqlite, bolt, memory)", storeType)
	}
}

// storeFromCmd opens the store named by the persistent flags.
func storeFromCmd(cmd *cobra.Command) (docstore.Store, home.Dir, error) {
	hd, err := resolveHome(cmd)
	if err != nil {
		return nil, hd, fmt.Errorf("resolve home directory: %w", err)
	}
	storeType, _ := cmd.Flags().GetString("store-type")
	docs, err := openStore(hd, storeType)
	if err != nil {
		return nil, hd, fmt.Errorf("open store: %w", err)
	}
	return docs, hd, nil
}
