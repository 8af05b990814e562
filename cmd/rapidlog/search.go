package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rapidlog/internal/entry"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [keywords...]",
		Short: "Search stored entries of a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			repo, _ := f.GetString("repo")
			q := entry.Query{Keywords: args, CountPages: true, Newest: true}
			q.MatchAll, _ = f.GetBool("all")
			q.Sources, _ = f.GetStringSlice("source")
			q.Page, _ = f.GetInt("page")
			q.PerPage, _ = f.GetInt("per-page")
			var err error
			if q.From, err = parseTimeFlag(cmd, "from"); err != nil {
				return err
			}
			if q.To, err = parseTimeFlag(cmd, "to"); err != nil {
				return err
			}

			docs, _, err := storeFromCmd(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = docs.Close() }()

			res, err := entry.NewStore(docs).Search(cmd.Context(), repo, q)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(res)
			}
			rows := make([][]string, 0, len(res.Entries))
			for _, e := range res.Entries {
				rows = append(rows, []string{
					e.Timestamp.Format(time.RFC3339Nano),
					e.Source, e.Host, e.Severity,
					strings.TrimSpace(e.Raw),
				})
			}
			p.table([]string{"TIME", "SOURCE", "HOST", "SEVERITY", "RAW"}, rows)
			p.printf("page %d of %d (%d entries)\n", res.Page, res.TotalPages, res.TotalRecords)
			return nil
		},
	}
	f := cmd.Flags()
	f.String("repo", "default", "repository name")
	f.Bool("all", false, "require every keyword instead of any")
	f.StringSlice("source", nil, "restrict to these sources")
	f.String("from", "", "earliest timestamp (RFC 3339)")
	f.String("to", "", "latest timestamp (RFC 3339)")
	f.Int("page", 1, "page number, starting at 1")
	f.Int("per-page", 50, "entries per page (0 for all)")
	return cmd
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}
