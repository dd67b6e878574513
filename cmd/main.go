/*
Copyright 2025 Field-TM Authors.

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

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	fieldsync "github.com/hotosm/field-tm-sync"
	"github.com/hotosm/field-tm-sync/config"
	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/internal/notification"
)

// FieldTM represents the CLI application, encapsulating the root Cobra command.
type FieldTM struct {
	cmd *cobra.Command
}

// fieldsyncInstance holds the engine instance and its configuration so
// subcommands share one initialized engine.
type fieldsyncInstance struct {
	engine *fieldsync.FieldSync
	cnf    *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the engine before any
// command executes.
func preRun(app *fieldsyncInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("fieldsync.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupFieldSync(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = engine
		app.cnf = cnf

		return nil
	}
}

// setupFieldSync opens the durable store and builds the engine on top of it.
func setupFieldSync(cfg *config.Configuration) (*fieldsync.FieldSync, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := fieldsync.NewFieldSync(db)
	if err != nil {
		return nil, fmt.Errorf("error creating sync engine: %v", err)
	}
	return engine, nil
}

// NewCLI creates the command-line interface for the sync engine.
func NewCLI() *FieldTM {
	var configFile string
	b := &fieldsyncInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first sync engine for field survey work",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fieldsync.json", "Configuration file for the sync engine")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(outboxCommands(b))
	rootCmd.AddCommand(refreshCommands(b))
	rootCmd.AddCommand(versionCommands())

	return &FieldTM{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur.
func (w FieldTM) executeCLI() {
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
