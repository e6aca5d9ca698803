// Command blobmutex is a small operational tool for lock blobs: create
// and inspect them, take and give back their leases, and clean them up.
// Storage configuration comes from the environment (AZURE_STORAGE_*).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockplane/blobmutex/azure"
	"github.com/lockplane/blobmutex/execmode"
	"github.com/lockplane/blobmutex/lease"
	"github.com/lockplane/blobmutex/lockblob"
)

var (
	flagContainer string
	flagKind      string
	flagDetached  bool
	flagTTL       time.Duration
	flagToken     string
	flagMetadata  map[string]string

	rootCmd = &cobra.Command{
		Use:          "blobmutex",
		Short:        "Operate on lock blobs and their leases",
		SilenceUsage: true,
	}

	createCmd = &cobra.Command{
		Use:   "create [name]",
		Short: "Create a lock blob if it does not exist yet",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [name]",
		Short: "Print a lock blob's metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire [name]",
		Short: "Acquire the blob's lease and print the token",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	releaseCmd = &cobra.Command{
		Use:   "release [name] [token]",
		Short: "Release a lease using the token printed by acquire",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	breakCmd = &cobra.Command{
		Use:   "break [name]",
		Short: "Force-end the blob's current lease, whoever holds it",
		Args:  cobra.ExactArgs(1),
		RunE:  runBreak,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a lock blob, optionally under a lease token",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagContainer, "container", "", "container holding the lock blobs (default from AZURE_STORAGE_CONTAINER)")
	rootCmd.PersistentFlags().StringVar(&flagKind, "kind", string(lockblob.KindBlock), "lock blob kind: flat, block, page or append")
	rootCmd.PersistentFlags().BoolVar(&flagDetached, "detached", false, "let storage calls run to completion even if the command is interrupted")

	createCmd.Flags().StringToStringVar(&flagMetadata, "metadata", nil, "metadata to stamp on the new blob, as key=value pairs")
	acquireCmd.Flags().DurationVar(&flagTTL, "ttl", 60*time.Second, "lease duration between 15s and 60s, or -1s for infinite")
	deleteCmd.Flags().StringVar(&flagToken, "lease", "", "lease token the delete must be conditioned on")

	rootCmd.AddCommand(createCmd, inspectCmd, acquireCmd, releaseCmd, breakCmd, deleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if flagDetached {
		ctx = execmode.WithMode(ctx, execmode.Detached)
	}
	return ctx
}

func buildRef(name string) (*lockblob.Ref, error) {
	cfg, err := azure.LoadConfig()
	if err != nil {
		return nil, err
	}
	if flagContainer != "" {
		cfg.Container = flagContainer
	}

	kind := lockblob.ParseKind(flagKind)
	if kind == lockblob.KindUnknown && flagKind != string(lockblob.KindUnknown) {
		return nil, fmt.Errorf("unknown blob kind %q", flagKind)
	}

	client, err := azure.NewBlobClient(cfg)
	if err != nil {
		return nil, err
	}
	return azure.NewRef(client, cfg.Container, name, kind), nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ref, err := buildRef(args[0])
	if err != nil {
		return err
	}

	created, err := lockblob.New(ref).CreateIfNotExists(commandContext(cmd), flagMetadata)
	if err != nil {
		return fmt.Errorf("failed to create lock blob: %w", err)
	}

	fmt.Printf("created=%v\n", created)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ref, err := buildRef(args[0])
	if err != nil {
		return err
	}

	metadata, err := lockblob.New(ref).Metadata(commandContext(cmd), "")
	if err != nil {
		return fmt.Errorf("failed to read lock blob: %w", err)
	}

	fmt.Printf("name=%s kind=%s\n", ref.Name(), ref.Kind())
	for key, value := range metadata {
		fmt.Printf("%s=%s\n", key, value)
	}
	return nil
}

func runAcquire(cmd *cobra.Command, args []string) error {
	ref, err := buildRef(args[0])
	if err != nil {
		return err
	}

	handle := lockblob.New(ref).NewLeaseHandle()
	if err := handle.Acquire(commandContext(cmd), flagTTL); err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	fmt.Printf("acquired=true token=%s\n", handle.Token())
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	ref, err := buildRef(args[0])
	if err != nil {
		return err
	}

	handle := lease.RestoreHandle(ref.Name(), args[1], ref.LeaseFactory())
	if err := handle.Release(commandContext(cmd)); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	fmt.Println("released=true")
	return nil
}

func runBreak(cmd *cobra.Command, args []string) error {
	ref, err := buildRef(args[0])
	if err != nil {
		return err
	}

	handle := lockblob.New(ref).NewLeaseHandle()
	if err := handle.Break(commandContext(cmd)); err != nil {
		return fmt.Errorf("failed to break lease: %w", err)
	}

	fmt.Println("broken=true")
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ref, err := buildRef(args[0])
	if err != nil {
		return err
	}

	if err := lockblob.New(ref).DeleteIfExists(commandContext(cmd), flagToken); err != nil {
		return fmt.Errorf("failed to delete lock blob: %w", err)
	}

	slog.Debug("Delete completed", "blob", ref.Name())
	fmt.Println("deleted=true")
	return nil
}
