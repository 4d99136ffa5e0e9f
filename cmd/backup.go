package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mailio/go-mailio-keyshare/backupsink"
	"github.com/spf13/cobra"
)

var (
	backupDir   string
	s3Bucket    string
	s3Prefix    string
	s3Region    string
	s3Endpoint  string
	exportPwd   string
	restoreName string
)

// addSinkFlags registers where backup files go: a local directory or an S3 bucket
func addSinkFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&backupDir, "dir", ".", "directory backup files are written to")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", os.Getenv("KEYSHARE_S3_BUCKET"), "store the backup in this S3 bucket instead of --dir")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "keyshare-backups", "S3 key prefix")
	cmd.Flags().StringVar(&s3Region, "s3-region", envOr("AWS_REGION", "us-east-1"), "S3 region")
	cmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", os.Getenv("KEYSHARE_S3_ENDPOINT"), "S3 compatible endpoint")
}

// credentials come from the default AWS chain unless given in the environment
func openSink(ctx context.Context) (backupsink.Sink, error) {
	if s3Bucket != "" {
		return backupsink.NewS3SinkFromConfig(ctx, backupsink.S3Config{
			Bucket:   s3Bucket,
			Prefix:   s3Prefix,
			Region:   s3Region,
			Key:      os.Getenv("KEYSHARE_S3_KEY"),
			Secret:   os.Getenv("KEYSHARE_S3_SECRET"),
			Endpoint: s3Endpoint,
		})
	}
	return backupsink.NewFileSink(backupDir)
}

func init() {
	backupExportCmd.Flags().StringVar(&exportPwd, "password", os.Getenv("KEYSHARE_PASSWORD"), "password the backup file is sealed with")
	_ = backupExportCmd.MarkFlagRequired("password")
	addSinkFlags(backupExportCmd)

	backupFetchCmd.Flags().StringVar(&restoreName, "name", "", "name of the stored backup")
	backupFetchCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file")
	_ = backupFetchCmd.MarkFlagRequired("name")
	_ = backupFetchCmd.MarkFlagRequired("output")
	addSinkFlags(backupFetchCmd)

	backupCmd.AddCommand(backupExportCmd, backupFetchCmd)
	rootCmd.AddCommand(backupCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and fetch password sealed backup files",
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a backup file of the recovery share",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(time.Minute)
		defer cancel()
		state := s.ready(ctx)

		data, err := s.manager.ExportBackup(ctx, exportPwd)
		check(err)
		location, err := saveBackup(ctx, state.DID, s.manager.ShareVersion(), data)
		check(err)
		fmt.Printf("backup saved to %s\n", location)
	},
}

// backupFetchCmd copies a stored backup to a local file for keyctl recovery restore
var backupFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Copy a stored backup file to disk",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext(time.Minute)
		defer cancel()
		sink, err := openSink(ctx)
		check(err)
		data, err := sink.Load(ctx, restoreName)
		check(err)
		check(os.WriteFile(outputFile, data, 0600))
		fmt.Printf("Output file: %s\n", outputFile)
	},
}
