// blockput uploads local files to a block storage service as streamed block
// uploads. Files are selected with doublestar glob patterns.
package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/blobkit/blockstream/remote"
	"github.com/blobkit/blockstream/remote/httpstore"
	"github.com/blobkit/blockstream/stream"
)

var (
	baseURL     string
	token       string
	prefix      string
	contentType string
	blockSize   int64
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blockput [pattern ...]",
		Short: "Upload files matching glob patterns to a block storage service",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&baseURL, "url", "", "base URL of the storage service (required)")
	rootCmd.Flags().StringVar(&token, "token", "", "bearer token for the storage service")
	rootCmd.Flags().StringVar(&prefix, "prefix", "", "resource name prefix for uploaded files")
	rootCmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "content type stored with the uploads")
	rootCmd.Flags().Int64Var(&blockSize, "block-size", stream.DefaultBlockSize, "upload block size in bytes")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	if err := rootCmd.MarkFlagRequired("url"); err != nil {
		panic(err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.NewLogger()
	logger.EnableDebugLog(verbose)

	store := httpstore.New(httpstore.Config{
		BaseURL: baseURL,
		Token:   token,
		Logger:  logger,
	})

	var matches []string
	for _, pattern := range args {
		found, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		matches = append(matches, found...)
	}
	if len(matches) == 0 {
		logger.Warnf("No files matched the provided patterns")
		return nil
	}

	for _, match := range matches {
		if err := uploadFile(cmd, store, match, logger); err != nil {
			return fmt.Errorf("upload %s: %w", match, err)
		}
	}

	logger.Donef("Uploaded %d files", len(matches))
	return nil
}

func uploadFile(cmd *cobra.Command, store *httpstore.Store, filePath string, logger log.Logger) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", filePath, err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	resource := path.Join(prefix, filepath.Base(filePath))
	writer, err := stream.Open(cmd.Context(), store, resource, stream.Options{
		Overwrite: true,
		BlockSize: blockSize,
		Headers:   remote.Headers{ContentType: contentType},
		Logger:    logger,
		OnProgress: func(transferred int64) {
			logger.Debugf("%s: %s / %s", resource,
				units.BytesSize(float64(transferred)), units.BytesSize(float64(info.Size())))
		},
	})
	if err != nil {
		return err
	}

	if _, err := io.Copy(writer, file); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	logger.Infof("Uploaded %s as %s (%s)", filePath, resource, units.HumanSize(float64(info.Size())))
	return nil
}
