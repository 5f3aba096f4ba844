package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eteran/cask/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) newMultipartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multipart",
		Short: "Drive multipart uploads step by step",
	}

	cmd.AddCommand(
		c.newMultipartCreateCmd(),
		c.newMultipartUploadCmd(),
		c.newMultipartCompleteCmd(),
		c.newMultipartAbortCmd(),
		c.newMultipartLsCmd(),
		c.newMultipartStaleCmd(),
		c.newMultipartSweepCmd(),
	)
	return cmd
}

func (c *cli) newMultipartCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <key>",
		Short: "Start a multipart upload and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploadID, err := c.app.Storage.CreateMultipartUpload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), uploadID)
			return nil
		},
	}
}

func (c *cli) newMultipartUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <key> <upload-id> <part-number> [file]",
		Short: "Upload one part from a file (or stdin) and print its chunk",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			partNumber, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("%w: %q", storage.ErrInvalidPart, args[2])
			}

			path := "-"
			if len(args) == 4 {
				path = args[3]
			}

			in, _, err := openInput(path)
			if err != nil {
				return err
			}
			defer in.Close()

			chunk, err := c.app.Storage.UploadMultipartChunkStream(cmd.Context(), args[0], storage.MultipartUploadID(args[1]), partNumber, storage.ReaderChunks(in, storage.DefaultChunkSize))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatChunk(chunk))
			return nil
		},
	}
}

func (c *cli) newMultipartCompleteCmd() *cobra.Command {
	var digest string

	cmd := &cobra.Command{
		Use:   "complete <key> <upload-id> [chunk]...",
		Short: "Assemble the upload into key",
		Long: `Assemble the upload into key. Chunks are given as <chunk-id>-<part-number>
and concatenated in the order given. Without chunks every stored chunk is used
in part number order, provided no part number was uploaded twice.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, uploadID := args[0], storage.MultipartUploadID(args[1])

			var chunks []storage.Chunk
			for _, arg := range args[2:] {
				chunk, err := parseChunk(arg)
				if err != nil {
					return err
				}
				chunks = append(chunks, chunk)
			}

			if len(chunks) == 0 {
				stored, err := c.app.Storage.ListMultipartChunks(cmd.Context(), key, uploadID)
				if err != nil {
					return err
				}

				for i := 1; i < len(stored); i++ {
					if stored[i].Number == stored[i-1].Number {
						return fmt.Errorf("part %d was uploaded more than once; name the chunks to use", stored[i].Number)
					}
				}
				chunks = stored
			}

			if err := c.app.Storage.CompleteMultipartUpload(cmd.Context(), key, uploadID, chunks, digest); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), c.app.Storage.Resolve(key))
			return nil
		},
	}

	cmd.Flags().StringVar(&digest, "digest", "", "expected digest of the assembled object")
	return cmd
}

func (c *cli) newMultipartAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <key> <upload-id>",
		Short: "Cancel an upload and discard its chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Storage.CancelMultipartUpload(cmd.Context(), args[0], storage.MultipartUploadID(args[1]))
		},
	}
}

func (c *cli) newMultipartLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <key> [upload-id]",
		Short: "List the uploads in flight for key, or the chunks of one upload",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				for _, uploadID := range c.app.Storage.ListMultipartUploads(cmd.Context(), args[0]) {
					fmt.Fprintln(cmd.OutOrStdout(), uploadID)
				}
				return nil
			}

			chunks, err := c.app.Storage.ListMultipartChunks(cmd.Context(), args[0], storage.MultipartUploadID(args[1]))
			if err != nil {
				return err
			}

			for _, chunk := range chunks {
				fmt.Fprintln(cmd.OutOrStdout(), formatChunk(chunk))
			}
			return nil
		},
	}
}

func (c *cli) newMultipartStaleCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List journaled uploads without recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.app.Journal == nil {
				return errJournalDisabled
			}

			uploads, err := c.app.Journal.Stale(cmd.Context(), c.staleThreshold(cmd, olderThan))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UPLOAD\tKEY\tCHUNKS\tSIZE\tLAST ACTIVITY")
			for _, u := range uploads {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", u.ID, u.Key, u.Chunks, humanize.IBytes(uint64(u.Bytes)), humanize.Time(u.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "inactivity threshold (defaults to stale_after from the config)")
	return cmd
}

func (c *cli) newMultipartSweepCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel journaled uploads without recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.app.Journal == nil {
				return errJournalDisabled
			}

			swept, err := c.app.Journal.Sweep(cmd.Context(), c.staleThreshold(cmd, olderThan))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "swept %d upload(s)\n", swept)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "inactivity threshold (defaults to stale_after from the config)")
	return cmd
}

var errJournalDisabled = errors.New("no journal configured (set journal in the config or pass --journal)")

func (c *cli) staleThreshold(cmd *cobra.Command, olderThan time.Duration) time.Duration {
	if cmd.Flags().Changed("older-than") {
		return olderThan
	}
	return c.app.Config.StaleAfter
}

// putMultipartFile uploads path in parts of the configured size, several at
// a time, and completes the upload in part order. A failed part cancels the
// upload.
func (c *cli) putMultipartFile(cmd *cobra.Command, key, path, expected string) error {
	ctx := cmd.Context()

	partSize, err := c.app.Config.PartBytes()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}

	uploadID, err := c.app.Storage.CreateMultipartUpload(ctx, key)
	if err != nil {
		return err
	}

	parts := int((info.Size() + int64(partSize) - 1) / int64(partSize))
	chunks := make([]storage.Chunk, parts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.app.Config.Workers, 4))

	for i := range parts {
		g.Go(func() error {
			section := io.NewSectionReader(f, int64(i)*int64(partSize), int64(partSize))
			chunk, err := c.app.Storage.UploadMultipartChunkStream(gctx, key, uploadID, i+1, storage.ReaderChunks(section, storage.DefaultChunkSize))
			if err != nil {
				return fmt.Errorf("upload part %d: %w", i+1, err)
			}

			slog.Debug("Uploaded part", "key", key, "upload_id", uploadID, "part", i+1)
			chunks[i] = chunk
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if cancelErr := c.app.Storage.CancelMultipartUpload(ctx, key, uploadID); cancelErr != nil {
			slog.Warn("failed to cancel multipart upload", "key", key, "upload_id", uploadID, "err", cancelErr)
		}
		return err
	}

	if err := c.app.Storage.CompleteMultipartUpload(ctx, key, uploadID, chunks, expected); err != nil {
		return fmt.Errorf("complete multipart upload %s: %w", uploadID, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s in %d parts)\n", c.app.Storage.Resolve(key), humanize.IBytes(uint64(info.Size())), parts)
	return nil
}

func formatChunk(chunk storage.Chunk) string {
	return chunk.ID + "-" + strconv.Itoa(chunk.Number)
}

// parseChunk reverses formatChunk.
func parseChunk(s string) (storage.Chunk, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 {
		return storage.Chunk{}, fmt.Errorf("%w: %q is not <chunk-id>-<part-number>", storage.ErrChunkNotFound, s)
	}

	number, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return storage.Chunk{}, fmt.Errorf("%w: %q", storage.ErrInvalidPart, s)
	}

	return storage.Chunk{ID: s[:idx], Number: number}, nil
}
