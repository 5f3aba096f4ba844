package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/eteran/cask/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (c *cli) newPutCmd() *cobra.Command {
	var (
		digest    string
		compute   bool
		multipart bool
	)

	cmd := &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Upload a file (or stdin) to key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			path := "-"
			if len(args) == 2 {
				path = args[1]
			}

			expected := digest
			if compute {
				var err error
				if expected, err = c.digestFile(path); err != nil {
					return err
				}
			}

			if multipart {
				if path == "-" {
					return errors.New("multipart uploads need a file, not stdin")
				}
				return c.putMultipartFile(cmd, key, path, expected)
			}

			in, size, err := openInput(path)
			if err != nil {
				return err
			}
			defer in.Close()

			partSize, err := c.app.Config.PartBytes()
			if err != nil {
				return err
			}

			if err := c.app.Storage.UploadStream(cmd.Context(), key, storage.ReaderChunks(in, partSize), size, expected); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}

			if size >= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", c.app.Storage.Resolve(key), humanize.IBytes(uint64(size)))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), c.app.Storage.Resolve(key))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&digest, "digest", "", "expected digest of the upload")
	cmd.Flags().BoolVar(&compute, "compute", false, "compute the digest locally and have the storage verify it")
	cmd.Flags().BoolVar(&multipart, "multipart", false, "upload the file in parts of --part-size in parallel")
	cmd.Flags().String("part-size", "", "part size for streamed and multipart uploads, e.g. 8MiB")
	if err := c.v.BindPFlag("part_size", cmd.Flags().Lookup("part-size")); err != nil {
		panic(err)
	}
	return cmd
}

func (c *cli) newGetCmd() *cobra.Command {
	var (
		byteRange string
		chunkSize string
	)

	cmd := &cobra.Command{
		Use:   "get <key> [file]",
		Short: "Download key to a file (or stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			target := "-"
			if len(args) == 2 {
				target = args[1]
			}

			if byteRange != "" {
				rng, err := parseRange(byteRange)
				if err != nil {
					return err
				}

				data, err := c.app.Storage.Download(cmd.Context(), key, &rng)
				if err != nil {
					return fmt.Errorf("get %s: %w", key, err)
				}

				return writeOutput(cmd, target, func(w io.Writer) error {
					_, err := w.Write(data)
					return err
				})
			}

			size, err := humanize.ParseBytes(chunkSize)
			if err != nil {
				return fmt.Errorf("parse chunk size: %w", err)
			}

			seq, err := c.app.Storage.DownloadStream(cmd.Context(), key, int(size))
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}

			return writeOutput(cmd, target, func(w io.Writer) error {
				for chunk, err := range seq {
					if err != nil {
						return fmt.Errorf("get %s: %w", key, err)
					}
					if _, err := w.Write(chunk); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&byteRange, "range", "", "download only lower-upper")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "32KiB", "size of the chunks streamed downloads read")
	return cmd
}

func (c *cli) newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [key]",
		Short: "List the children of a directory key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}

			for _, name := range c.app.Storage.List(cmd.Context(), key) {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func (c *cli) newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Exit non-zero unless something is stored at key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.app.Storage.Exists(cmd.Context(), args[0]) {
				return fmt.Errorf("%w: %q", storage.ErrKeyNotFound, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.app.Storage.Resolve(args[0]))
			return nil
		},
	}
}

func (c *cli) newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <key>",
		Short: "Create a directory key and its parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Storage.Create(cmd.Context(), args[0])
		},
	}
}

func (c *cli) newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>...",
		Short: "Remove keys recursively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range args {
				if err := c.app.Storage.Delete(cmd.Context(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (c *cli) newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <source> <destination>",
		Short: "Copy a key, replacing the destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := c.app.Storage.Copy(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}

func (c *cli) newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <source> <destination>",
		Short: "Move a key, replacing the destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := c.app.Storage.Move(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}

func (c *cli) newURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <key>",
		Short: "Print the public URL of key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), c.app.Storage.Resolve(args[0]))
			return nil
		},
	}
}

func (c *cli) newSumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sum <file>",
		Short: "Print the digest the storage would compute for file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := c.digestFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			return nil
		},
	}
}

// writeOutput hands write the command's stdout for "-", or a newly created
// file that is removed again if write fails.
func writeOutput(cmd *cobra.Command, target string, write func(io.Writer) error) error {
	if target == "-" {
		return write(cmd.OutOrStdout())
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	err = write(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(target)
		return err
	}
	return nil
}

// openInput opens path, or stdin for "-". The size is -1 when unknown.
func openInput(path string) (io.ReadCloser, int64, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), -1, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open input: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat input: %w", err)
	}

	return f, info.Size(), nil
}

// digestFile computes the digest of path with the storage's algorithm.
func (c *cli) digestFile(path string) (string, error) {
	if path == "-" {
		return "", errors.New("cannot compute the checksum of stdin in advance")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	calc := c.app.Storage.NewChecksumCalculator()
	for chunk, err := range storage.ReaderChunks(f, storage.DefaultChunkSize) {
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		calc.Update(chunk)
	}
	return calc.Finalize(), nil
}

// parseRange parses "lower-upper".
func parseRange(s string) (storage.ByteRange, error) {
	lower, upper, ok := strings.Cut(s, "-")
	if !ok {
		return storage.ByteRange{}, fmt.Errorf("%w: %q is not lower-upper", storage.ErrInvalidRange, s)
	}

	lo, err := strconv.ParseInt(lower, 10, 64)
	if err != nil {
		return storage.ByteRange{}, fmt.Errorf("%w: %v", storage.ErrInvalidRange, err)
	}

	hi, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return storage.ByteRange{}, fmt.Errorf("%w: %v", storage.ErrInvalidRange, err)
	}

	return storage.ByteRange{Lower: lo, Upper: hi}, nil
}
