/*
Copyright 2025 Alloq Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package main provides the alloq CLI: the API server, the queue workers,
// schema migrations and the capacity reconciler.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alloq-io/alloq"
	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/database"
	"github.com/alloq-io/alloq/internal/notification"
)

// Cli wraps the root cobra command.
type Cli struct {
	cmd *cobra.Command
}

// alloqInstance holds the engine and configuration shared by all subcommands.
type alloqInstance struct {
	engine *alloq.Alloq
	cnf    *config.Configuration
}

// recoverPanic logs any panic during command execution and exits non-zero.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the engine before any
// subcommand runs.
func preRun(app *alloqInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("alloq.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupAlloq(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = engine
		app.cnf = cnf

		return nil
	}
}

// setupAlloq connects the datasource and builds the engine from it.
func setupAlloq(cfg *config.Configuration) (*alloq.Alloq, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := alloq.NewAlloq(db)
	if err != nil {
		return nil, fmt.Errorf("error creating alloq engine: %v", err)
	}
	return engine, nil
}

// NewCLI assembles the root command and its subcommands.
func NewCLI() *Cli {
	var configFile string
	a := &alloqInstance{}

	var rootCmd = &cobra.Command{
		Use:   "alloq",
		Short: "Case allocation engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./alloq.json", "Configuration file for alloq")

	rootCmd.PersistentPreRunE = preRun(a)

	rootCmd.AddCommand(serverCommands(a))
	rootCmd.AddCommand(workerCommands(a))
	rootCmd.AddCommand(migrateCommands(a))
	rootCmd.AddCommand(reconcileCommands(a))

	return &Cli{cmd: rootCmd}
}

func (w Cli) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
