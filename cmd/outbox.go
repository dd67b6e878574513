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
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// outboxCommands inspects and drives the durable outbox from the shell.
func outboxCommands(b *fieldsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "inspect and flush the durable outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list queued actions and their delivery status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := b.engine.Outbox().All()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "send every queued action now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return b.engine.Flush(context.Background())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <outbox_id>",
		Short: "re-queue a failed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return b.engine.Outbox().Retry(args[0])
		},
	})

	return cmd
}
