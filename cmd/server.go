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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/hotosm/field-tm-sync/api"
)

func initializeRouter(b *fieldsyncInstance) *gin.Engine {
	return api.NewAPI(b.engine).Router()
}

// serveHTTP runs the local control server until the process is signalled
// to stop, then shuts the engine down. Queued outbox rows and the
// persisted cursor survive for the next session.
func serveHTTP(b *fieldsyncInstance, router *gin.Engine) error {
	server := &http.Server{
		Addr:    ":" + b.cnf.Server.Port,
		Handler: router,
	}

	go func() {
		log.Printf(" [*] Sync engine listening on port %s", b.cnf.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println(" [*] Shutting down")
	b.engine.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// serverCommands starts the engine: the live subscription for every
// configured project, the periodic outbox flush loop, and the local
// control API.
func serverCommands(b *fieldsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the sync engine and local control API",
		Run: func(cmd *cobra.Command, args []string) {
			router := initializeRouter(b)

			for _, projectID := range b.cnf.Sync.ProjectIDs {
				if err := b.engine.Subscribe(projectID); err != nil {
					log.Printf("subscribing project %d: %v", projectID, err)
				}
			}

			flushCtx, cancelFlush := context.WithCancel(context.Background())
			defer cancelFlush()
			go b.engine.Outbox().FlushLoop(flushCtx,
				time.Duration(b.cnf.Sync.FlushIntervalSec)*time.Second,
				time.Duration(b.cnf.Sync.RetentionHours)*time.Hour)

			if err := serveHTTP(b, router); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
