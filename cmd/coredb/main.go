// Command coredb stands up the engine behind the SQL-shaped surface of
// the storage core: an interactive shell and a one-shot exec mode. The
// statement dispatcher here is a thin token splitter, not a SQL parser
// — the real lexer/parser/planner are external collaborators.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zhukovaskychina/coredb/config"
	"github.com/zhukovaskychina/coredb/engine"
	"github.com/zhukovaskychina/coredb/logger"
)

func main() {
	var cfgPath string
	var dataDir string

	root := &cobra.Command{
		Use:   "coredb",
		Short: "coredb is a single-node relational storage engine",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "database directory (overrides config)")

	openDB := func() (*engine.Database, error) {
		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		return engine.Open(cfg, afero.NewOsFs())
	}

	shell := &cobra.Command{
		Use:   "shell",
		Short: "interactive statement loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			s := newSession(db, cmd.OutOrStdout())
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprint(cmd.OutOrStdout(), "coredb> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
					break
				}
				if line != "" {
					if err := s.Execute(line); err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "error: %v\n", err)
					}
				}
				fmt.Fprint(cmd.OutOrStdout(), "coredb> ")
			}
			return s.Shutdown()
		},
	}

	exec := &cobra.Command{
		Use:   "exec [statement...]",
		Short: "execute statements and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			s := newSession(db, cmd.OutOrStdout())
			for _, stmt := range args {
				if err := s.Execute(stmt); err != nil {
					return err
				}
			}
			return s.Shutdown()
		},
	}

	root.AddCommand(shell, exec)
	if err := root.Execute(); err != nil {
		logger.Errorf("coredb: %v", err)
		os.Exit(1)
	}
}
