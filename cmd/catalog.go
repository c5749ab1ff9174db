// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/LeeDigitalWorks/zapingest/pkg/catalog"
	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the completed-upload catalog",
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the catalog table",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadCatalogOpts(cmd)
		opts.Migrate = true
		c, err := openSQLCatalog(cmd, opts)
		if err != nil {
			return err
		}
		defer c.Close()
		logger.Info().Str("table", opts.Table).Msg("catalog table ready")
		return nil
	},
}

var catalogFindCmd = &cobra.Command{
	Use:   "find <filename>",
	Short: "Print the records for a filename (object key up to its first dot)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSQLCatalog(cmd, loadCatalogOpts(cmd))
		if err != nil {
			return err
		}
		defer c.Close()

		records, err := c.FindByFilename(cmd.Context(), catalog.FilenameFromKey(args[0]))
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	for _, c := range []*cobra.Command{catalogMigrateCmd, catalogFindCmd} {
		addCatalogFlags(c)
		catalogCmd.AddCommand(c)
	}
}

func openSQLCatalog(cmd *cobra.Command, opts CatalogOpts) (catalog.Catalog, error) {
	c, err := openCatalog(cmd.Context(), opts)
	if err != nil {
		return nil, err
	}
	if _, ok := c.(*catalog.SQLCatalog); !ok {
		if c != nil {
			c.Close()
		}
		return nil, fmt.Errorf("catalog driver %q is not a database", opts.Driver)
	}
	return c, nil
}
