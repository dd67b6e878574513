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
	"log"
	"strconv"

	"github.com/spf13/cobra"
)

// refreshCommands runs a one-shot full reconciliation sync for a project.
func refreshCommands(b *fieldsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <project_id>",
		Short: "run a full reconciliation sync for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			if err := b.engine.Refresh(context.Background(), projectID); err != nil {
				return err
			}
			log.Printf(" [*] Project %d refreshed", projectID)
			return nil
		},
	}

	return cmd
}
