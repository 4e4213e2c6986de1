package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/codementor-bot/codementor/internal/cache"
	"github.com/codementor-bot/codementor/internal/codec"
)

const promptPreviewWidth = 60

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the response cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached responses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		entries, err := c.Entries()
		if err != nil {
			return err
		}
		return writeEntries(cmd.OutOrStdout(), entries)
	},
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete KEY...",
	Short: "Delete cached responses by key",
	Long: `Deletes the cache entries for the given keys, as printed by 'cache list'.
Deleting a key that is not cached is not an error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		for _, key := range args {
			if err := c.Delete(key); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d key(s)\n", len(args))
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every cached response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		if err := c.Purge(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", c.Dir())
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheDeleteCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}

func writeEntries(w io.Writer, entries []cache.Entry) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Key", "Prompt", "Payload", "Bytes"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleLight),
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
	for _, e := range entries {
		if err := table.Append([]string{
			shorten(e.Key, 16),
			promptPreview(e.Key),
			e.PayloadFile,
			strconv.FormatInt(e.Size, 10),
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d entries\n", len(entries))
	return err
}

func promptPreview(key string) string {
	prompt, err := codec.Decode(key)
	if err != nil {
		return "<undecodable>"
	}
	return shorten(strings.Join(strings.Fields(prompt), " "), promptPreviewWidth)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
