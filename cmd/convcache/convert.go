package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/lucasew/convcache"
	"github.com/lucasew/convcache/internal/app"
	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/errutil"
	"github.com/spf13/cobra"
)

var convertCmd = &cobra.Command{
	Use:   "convert <converter> [file]",
	Short: "Converts a file through the cache",
	Long: `Converts a file (stdin when omitted) and writes the first result blob to
--output (stdout when omitted). With --server the conversion runs remotely.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		params, err := cmd.Flags().GetStringToString("param")
		if err != nil {
			return err
		}
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}

		in, filename := io.Reader(os.Stdin), "stdin"
		if len(args) == 2 {
			file, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer errutil.Close(file, "Failed to close input file")
			in, filename = file, filepath.Base(args[1])
		}

		var out io.Writer = os.Stdout
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer errutil.Close(file, "Failed to close output file")
			out = file
		}

		client, err := remoteClient()
		if err != nil {
			return err
		}

		var res convcache.ConvertResult
		if client != nil {
			res, err = client.Convert(cmd.Context(), convcache.ConvertOptions{
				Converter: name,
				Filename:  filename,
				Params:    params,
				In:        in,
				Out:       out,
			})
		} else {
			res, err = convertLocal(cmd.Context(), cacheConfig(), name, in, filename, params, out)
		}
		if err != nil {
			return err
		}

		status := color.New(color.FgYellow).Sprint("MISS")
		if res.Hit {
			status = color.New(color.FgGreen, color.Bold).Sprint("HIT")
		}
		_, err = fmt.Fprintf(os.Stderr, "%s %s\n", status, res.Key)
		return err
	},
}

func convertLocal(ctx context.Context, cfg app.Config, name string, in io.Reader, filename string, params map[string]string, out io.Writer) (convcache.ConvertResult, error) {
	c, err := app.OpenCache(ctx, cfg)
	if err != nil {
		return convcache.ConvertResult{}, err
	}
	defer c.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return convcache.ConvertResult{}, fmt.Errorf("failed to read input: %w", err)
	}

	anyParams := make(map[string]any, len(params))
	for k, v := range params {
		anyParams[k] = v
	}

	res, err := c.Service.Convert(ctx, name, blob.NewSimpleHolder(blob.FromBytes(data, filename, "")), anyParams)
	if err != nil {
		return convcache.ConvertResult{}, err
	}

	result := convcache.ConvertResult{Key: res.Key, Hit: res.Hit}
	first := blob.Main(res.Holder)
	if first == nil {
		return result, nil
	}
	rc, err := first.Open()
	if err != nil {
		return result, err
	}
	defer errutil.Close(rc, "Failed to close result")
	result.Written, err = io.Copy(out, rc)
	return result, err
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringP("output", "o", "", "Output file")
	convertCmd.Flags().StringToString("param", nil, "Converter parameter as key=value (repeatable)")
}
