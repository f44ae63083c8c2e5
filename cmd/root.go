// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tapstream/targetpg/cmd/flags"
	"github.com/tapstream/targetpg/pkg/config"
	"github.com/tapstream/targetpg/pkg/db"
	"github.com/tapstream/targetpg/pkg/target"
)

// Version is the targetpg version.
var Version = "development"

func init() {
	viper.SetEnvPrefix("TARGETPG")
	viper.AutomaticEnv()

	flags.Bind(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "targetpg [config-file]",
	Short:        "Stream tap-protocol records into a Postgres schema that evolves to match them",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	Version:      Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			viper.SetConfigFile(args[0])
			viper.SetConfigType("json")
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file %q: %w", args[0], err)
			}
		}
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	schemaName := config.PostgresSchema()

	conn, err := db.Open(ctx, config.PostgresURL(), schemaName)
	if err != nil {
		return fmt.Errorf("connecting to Postgres: %w", err)
	}
	defer conn.Close()

	logger := target.NewLogger()
	store := target.NewTableStore(conn, schemaName)
	writer := target.NewWriter(conn, store, schemaName, logger)

	orch := target.NewOrchestrator(writer, logger, os.Stdout, target.Options{
		MaxBatchRows:            config.MaxBatchRows(),
		MaxBatchSize:            config.MaxBatchSize(),
		BatchDetectionThreshold: config.BatchDetectionThreshold(),
		InvalidRecordsDetect:    config.InvalidRecordsDetect(),
		InvalidRecordsThreshold: config.InvalidRecordsThreshold(),
		StateSupport:            config.StateSupport(),
	})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := orch.ProcessLine(ctx, line); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return orch.Close(ctx)
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}
