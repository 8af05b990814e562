package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"rapidlog/internal/config"
	"rapidlog/internal/config/file"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage repository configurations in the local store",
	}
	cmd.AddCommand(
		newRepoListCmd(),
		newRepoGetCmd(),
		newRepoImportCmd(),
		newRepoExportCmd(),
		newRepoDeleteCmd(),
	)
	return cmd
}

// withConfigs opens the config store for the duration of fn.
func withConfigs(cmd *cobra.Command, fn func(ctx context.Context, configs *config.Store) error) error {
	docs, _, err := storeFromCmd(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = docs.Close() }()
	return fn(cmd.Context(), config.NewStore(docs))
}

func newRepoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigs(cmd, func(ctx context.Context, configs *config.Store) error {
				repos, err := configs.List(ctx)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				if p.isJSON() {
					return p.json(repos)
				}
				rows := make([][]string, 0, len(repos))
				for _, r := range repos {
					rows = append(rows, []string{
						r.Name, r.ID,
						strconv.FormatInt(r.Version, 10),
						string(r.StartupStatus),
						strconv.Itoa(r.WriteQueueWorkerCount),
						strconv.Itoa(len(r.Parsers)),
					})
				}
				p.table([]string{"NAME", "ID", "VERSION", "STATUS", "WORKERS", "PARSERS"}, rows)
				return nil
			})
		},
	}
}

func newRepoGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name-or-id>",
		Short: "Print one repository configuration as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigs(cmd, func(ctx context.Context, configs *config.Store) error {
				r, err := configs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return newPrinter(cmd).json(r)
			})
		},
	}
}

func newRepoImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update repositories from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigs(cmd, func(ctx context.Context, configs *config.Store) error {
				res, err := file.Sync(ctx, args[0], configs)
				p := newPrinter(cmd)
				if p.isJSON() {
					if jerr := p.json(res); jerr != nil {
						return jerr
					}
					return err
				}
				p.printf("created %d, updated %d, unchanged %d\n", len(res.Created), len(res.Updated), len(res.Unchanged))
				return err
			})
		},
	}
}

func newRepoExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every repository to a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigs(cmd, func(ctx context.Context, configs *config.Store) error {
				repos, err := configs.List(ctx)
				if err != nil {
					return err
				}
				if err := file.Write(args[0], repos); err != nil {
					return err
				}
				newPrinter(cmd).printf("exported %d repositories to %s\n", len(repos), args[0])
				return nil
			})
		},
	}
}

func newRepoDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a repository configuration",
		Long:  "Deletes the stored configuration. A running server stops the repository on its next reload.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetInt64("version")
			return withConfigs(cmd, func(ctx context.Context, configs *config.Store) error {
				if err := configs.Delete(ctx, args[0], version); err != nil {
					return err
				}
				newPrinter(cmd).printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().Int64("version", 0, "expected version (0 skips the check)")
	return cmd
}
