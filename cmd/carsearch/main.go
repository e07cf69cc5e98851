// Command carsearch is a terminal client for the car search API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "carsearch",
		Short: "Ask questions about vehicle listings",
		Long: `carsearch sends natural-language questions to the car search API and
prints the grounded answer with the listings it was based on.

Example usage:
  carsearch ask "cheapest diesel golf in Skopje" --top-k 5
  carsearch history --user 7
  carsearch cars --limit 20`,
		SilenceUsage: true,
	}
	server := os.Getenv("CARSEARCH_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "API base URL ($CARSEARCH_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(newAskCmd(opts), newHistoryCmd(opts), newCarsCmd(opts))
	return root
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var topK int
	var user int64
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Search listings and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.QueryRequest{Query: strings.Join(args, " "), TopK: topK}
			if user > 0 {
				req.UserID = &user
			}
			resp, err := newClient(opts.server, opts.timeout).search(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintln(out, resp.Answer)
			if len(resp.Candidates) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tID\tDISTANCE\tTITLE\tPRICE\tMILEAGE\tPOSTED")
			for i, c := range resp.Candidates {
				m := c.Metadata
				fmt.Fprintf(tw, "%d\t%d\t%.4f\t%s\t%s\t%s\t%s\n",
					i+1, c.ID, c.Distance, str(m.Title), num(m.Price, " €"), num(m.Mileage, " km"), str(m.DatePosted))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of listings (default from server)")
	cmd.Flags().Int64Var(&user, "user", 0, "record the exchange for this user id")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's past conversations, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chats, err := newClient(opts.server, opts.timeout).conversations(cmd.Context(), user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, chats)
			}
			if len(chats) == 0 {
				fmt.Fprintln(out, "no conversations")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tTITLE")
			for _, c := range chats {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", c.ID, c.Timestamp.Local().Format("2006-01-02 15:04"), c.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newCarsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cars",
		Short: "List stored listings, cheapest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cars, err := newClient(opts.server, opts.timeout).cars(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, cars)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tCITY\tPRICE\tMILEAGE")
			for _, c := range cars {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, orNA(c.Title), orNA(c.City), num(c.Price, " €"), num(c.Mileage, " km"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum listings")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func str(s *string) string {
	if s == nil {
		return "N/A"
	}
	return orNA(*s)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func num(f *float64, unit string) string {
	if f == nil || *f == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.0f%s", *f, unit)
}
