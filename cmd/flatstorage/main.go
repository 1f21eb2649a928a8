// The flatstorage command groups the flat storage maintenance tools:
// inspecting per-shard state, initializing the mirror from the trie,
// verifying it, moving the flat head, reconstructing a trie from the
// mirror and migrating values to inline form. These tools are for
// experimentation and debugging; the node maintains flat storage itself
// during normal operation.
package main

import (
	"fmt"
	"os"

	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/db/kv"
	"github.com/shardlabs/tessera/shard-chain/flatstorage"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "flatstorage-tool")

var (
	dataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Directory containing the chain database",
		Required: true,
	}
	shardIDFlag = &cli.Uint64Flag{
		Name:  "shard-id",
		Usage: "Shard to operate on",
	}
	shardVersionFlag = &cli.Uint64Flag{
		Name:  "shard-version",
		Usage: "Shard layout version of the shard",
	}
	numThreadsFlag = &cli.IntFlag{
		Name:  "num-threads",
		Usage: "Worker pool size",
		Value: 3,
	}
	batchSizeFlag = &cli.IntFlag{
		Name:  "batch-size",
		Usage: "Entries per migration batch",
		Value: 50_000,
	}
	newFlatHeadHeightFlag = &cli.Uint64Flag{
		Name:     "new-flat-head-height",
		Usage:    "Height to move the flat head to",
		Required: true,
	}
	writeStorePathFlag = &cli.StringFlag{
		Name:     "write-store-path",
		Usage:    "Directory for the constructed trie store; must not hold an existing database",
		Required: true,
	}
)

func main() {
	app := &cli.App{
		Name:  "flatstorage",
		Usage: "flat storage maintenance tools",
		Commands: []*cli.Command{
			{
				Name:   "view",
				Usage:  "View the current state of flat storage",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag},
				Action: viewAction,
			},
			{
				Name:   "reset",
				Usage:  "Reset the flat storage state (remove all its contents)",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag, shardVersionFlag},
				Action: resetAction,
			},
			{
				Name:   "init",
				Usage:  "Init the flat storage state by copying from the trie",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag, shardVersionFlag, numThreadsFlag},
				Action: initAction,
			},
			{
				Name:   "verify",
				Usage:  "Verify flat storage state against the trie (can take hours for large shards)",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag, shardVersionFlag},
				Action: verifyAction,
			},
			{
				Name:   "move-flat-head",
				Usage:  "Move the flat head forward",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag, shardVersionFlag, newFlatHeadHeightFlag},
				Action: moveFlatHeadAction,
			},
			{
				Name:   "construct-trie-from-flat",
				Usage:  "Construct and store a trie from flat storage state, in a separate directory, for the block at the flat head",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag, shardVersionFlag, writeStorePathFlag},
				Action: constructTrieAction,
			},
			{
				Name:   "migrate-value-inlining",
				Usage:  "Rewrite referenced flat state values into inline form",
				Flags:  []cli.Flag{dataDirFlag, shardIDFlag, shardVersionFlag, numThreadsFlag, batchSizeFlag},
				Action: migrateInliningAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

func openStore(ctx *cli.Context) (*kv.Store, error) {
	return kv.NewKVStore(ctx.String(dataDirFlag.Name))
}

func shardFromFlags(ctx *cli.Context) primitives.ShardUID {
	return primitives.ShardUID{
		Version: primitives.ShardVersion(ctx.Uint64(shardVersionFlag.Name)),
		ShardID: uint32(ctx.Uint64(shardIDFlag.Name)),
	}
}

func viewAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	var filter *primitives.ShardID
	if ctx.IsSet(shardIDFlag.Name) {
		id := primitives.ShardID(ctx.Uint64(shardIDFlag.Name))
		filter = &id
	}
	return flatstorage.View(os.Stdout, store, filter)
}

func resetAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	manager := flatstorage.NewManager(store)
	return manager.RemoveFlatStorageForShard(shardFromFlags(ctx))
}

func initAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	shard := shardFromFlags(ctx)
	trie := flatstorage.NewStoreTrie(store, shard)
	if err := flatstorage.Init(store, shard, trie, ctx.Int(numThreadsFlag.Name)); err != nil {
		return err
	}
	fmt.Println("Flat storage initialization finished.")
	return nil
}

func verifyAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	shard := shardFromFlags(ctx)
	trie := flatstorage.NewStoreTrie(store, shard)
	return flatstorage.Verify(os.Stdout, store, shard, trie)
}

func moveFlatHeadAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	manager := flatstorage.NewManager(store)
	return flatstorage.MoveFlatHead(
		store, manager, shardFromFlags(ctx),
		primitives.BlockHeight(ctx.Uint64(newFlatHeadHeightFlag.Name)),
	)
}

func constructTrieAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	destPath := ctx.String(writeStorePathFlag.Name)
	if _, err := os.Stat(destPath); err == nil {
		entries, _ := os.ReadDir(destPath)
		if len(entries) > 0 {
			return fmt.Errorf("destination %s is not empty", destPath)
		}
	}
	dest, err := kv.NewKVStore(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()
	shard := shardFromFlags(ctx)
	values := flatstorage.NewStoreTrie(store, shard)
	builder := flatstorage.NewStoreTrie(dest, shard)
	root, err := flatstorage.ConstructTrieFromFlat(store, shard, builder, values)
	if err != nil {
		return err
	}
	fmt.Printf("Constructed trie with root %x\n", root)
	return nil
}

func migrateInliningAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	shard := shardFromFlags(ctx)
	values := flatstorage.NewStoreTrie(store, shard)
	return flatstorage.MigrateValueInlining(
		store, shard, values, ctx.Int(numThreadsFlag.Name), ctx.Int(batchSizeFlag.Name),
	)
}
