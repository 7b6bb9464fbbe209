package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/daemon"
	"github.com/Aman-CERP/mediasync/internal/output"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index through the running daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			hits, err := client.Search(cmd.Context(), daemon.SearchParams{
				Query: strings.Join(args, " "),
				Limit: limit,
			})
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(hits)
			}
			if len(hits) == 0 {
				out.Status("", "No results")
				return nil
			}
			for i, h := range hits {
				out.Statusf("", "%2d. %s  [%s]  %.3f", i+1, h.Title, h.Type, h.Score)
				if h.URL != "" {
					out.Statusf("", "    %s", h.URL)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
