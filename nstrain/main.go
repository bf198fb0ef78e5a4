// Copyright 2022-2023 RelationalAI, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/spf13/cobra"

	"nstrain/config"
)

func addCommands(root *cobra.Command) {
	// Training data
	cmd := &cobra.Command{
		Use:   "generate output-prefix threads",
		Short: "Generate range query training data for every configured regime",
		Args:  cobra.ExactArgs(2),
		Run:   generateData}
	cmd.Flags().StringP("data", "d", "", "CSV file used to create the table when it does not exist")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "bootstrap data-file",
		Short: "Create and fill the data table from a CSV file",
		Args:  cobra.ExactArgs(1),
		Run:   bootstrapTable}
	root.AddCommand(cmd)

	// Misc
	cmd = &cobra.Command{
		Use:   "show-sql",
		Short: "Show the range aggregate query and its parameters",
		Args:  cobra.NoArgs,
		Run:   showSQL}
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "show-config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		Run:   showConfig}
	root.AddCommand(cmd)
}

func main() {
	var root = &cobra.Command{Use: "nstrain"}
	root.PersistentFlags().StringP("config", "c", config.DefaultConfigFile, "config file")
	root.PersistentFlags().String("log-level", "info", "log level, 'debug', 'info', 'warn' or 'error'")
	root.PersistentFlags().BoolP("quiet", "q", false, "silence status output")
	root.PersistentFlags().String("metrics-file", "", "write metrics to the given file on exit")
	addCommands(root)
	root.Execute()
}
