// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/objmanager"
	"storj.io/fossil/pkg/process"
	"storj.io/fossil/pkg/server"
	"storj.io/fossil/pkg/translator"
	"storj.io/fossil/pkg/translator/jsonobj"
)

var (
	rootCmd = &cobra.Command{
		Use:   "fossil",
		Short: "Fossil digital object repository",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the repository server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create config files",
		RunE:  cmdSetup,
	}
	ingestCmd = &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest a serialized object",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdIngest,
	}
	getCmd = &cobra.Command{
		Use:   "get [pid]",
		Short: "Print the serialization of an object",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdGet,
	}
	findCmd = &cobra.Command{
		Use:   "find [query]",
		Short: "Search objects by field query",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdFind,
	}
	purgeCmd = &cobra.Command{
		Use:   "purge [pid]",
		Short: "Remove an object from every subsystem",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdPurge,
	}
	hashCmd = &cobra.Command{
		Use:   "hash",
		Short: "Print the repository consistency fingerprint",
		RunE:  cmdHash,
	}

	runCfg server.Config
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(hashCmd)

	for _, cmd := range rootCmd.Commands() {
		bindConfig(cmd, &runCfg)
	}
}

func bindConfig(cmd *cobra.Command, config *server.Config) {
	flags := cmd.Flags()
	flags.StringVar(&config.DataDir, "data-dir", defaultDataDir(),
		"directory holding the registry, indexes, and content store")
	flags.IntVar(&config.Cache.MaxEntries, "cache.max-entries", 20,
		"most object snapshots the reader cache holds")
	flags.DurationVar(&config.Cache.MaxAge, "cache.max-age", 10*time.Minute,
		"age after which a cached snapshot is dropped")
	flags.DurationVar(&config.Cache.SweepInterval, "cache.sweep-interval", time.Minute,
		"how often expired snapshots are swept")
	flags.StringVar(&config.Manager.PIDNamespace, "manager.pid-namespace", "fossil",
		"namespace used for generated pids")
	flags.StringSliceVar(&config.Manager.RetainNamespaces, "manager.retain-namespaces", nil,
		"namespaces whose externally supplied pids are retained as-is")
	flags.StringVar(&config.Manager.UploadDir, "manager.upload-dir", "",
		"directory for uploaded content awaiting ingest")
	flags.BoolVar(&config.Manager.DebugVerifyCommit, "manager.debug-verify-commit", false,
		"round-trip verify every serialization before commit")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".fossil", "data")
}

func openPeer(log *zap.Logger) (*server.Peer, error) {
	return server.New(log, runCfg)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := process.InitDebug(log.Named("debug"), monkit.Default); err != nil {
		log.Warn("unable to start debug endpoints", zap.Error(err))
	}

	peer, err := openPeer(log)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	return errs.Combine(runErr, peer.Close())
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errs.Wrap(err)
	}
	if err := os.MkdirAll(runCfg.DataDir, 0700); err != nil {
		return errs.Wrap(err)
	}
	outfile := filepath.Join(home, ".fossil", "config.yaml")
	if err := process.SaveConfig(cmd, outfile, nil); err != nil {
		return err
	}
	fmt.Println("wrote", outfile)
	return nil
}

func cmdIngest(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	peer, err := openPeer(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	file, err := os.Open(args[0])
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	writer, err := peer.Manager.GetIngestWriter(ctx, file, objmanager.IngestOptions{})
	if err != nil {
		return err
	}
	if err := writer.Commit(ctx, "ingested via cli"); err != nil {
		return err
	}
	fmt.Println(writer.PID())
	return nil
}

func cmdGet(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	peer, err := openPeer(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	obj, err := peer.Manager.GetReader(ctx, fossil.PID(args[0]))
	if err != nil {
		return err
	}
	codec := jsonobj.Codec{}
	return codec.Serialize(obj, os.Stdout,
		translator.ExportFormat, translator.DefaultEncoding, translator.SerializeExport)
}

func cmdFind(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	peer, err := openPeer(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	results, err := peer.Manager.FindObjects(ctx, args[0], 25)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return errs.Wrap(encoder.Encode(results))
}

func cmdPurge(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	peer, err := openPeer(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	writer, err := peer.Manager.GetWriter(ctx, fossil.PID(args[0]))
	if err != nil {
		return err
	}
	if err := writer.Remove(); err != nil {
		return err
	}
	if err := writer.Commit(ctx, "purged via cli"); err != nil {
		return err
	}
	for _, stage := range writer.RemovalResults() {
		status := "ok"
		if stage.Err != nil {
			status = stage.Err.Error()
		}
		fmt.Printf("%-20s %s\n", stage.Stage, status)
	}
	return nil
}

func cmdHash(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	peer, err := openPeer(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	hash, err := peer.Manager.RepositoryHash(ctx)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func main() {
	process.Execute(rootCmd)
}
