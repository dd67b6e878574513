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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5055"

	// DEFAULT_STORE_PATH is where the embedded store lives when the config
	// does not say otherwise. It must be on writable, persistent storage.
	DEFAULT_STORE_PATH = "fieldsync.db"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port string `json:"port" envconfig:"FIELDSYNC_SERVER_PORT"`
}

type StoreConfig struct {
	Path string `json:"path" envconfig:"FIELDSYNC_STORE_PATH"`
}

// SyncConfig holds the tunables of the sync engine itself: where the
// Field-TM API lives, how often to poll the change feed, how long to back
// off before declaring the feed stale, and how often the outbox flushes.
type SyncConfig struct {
	BaseURL             string `json:"base_url" envconfig:"FIELDSYNC_API_BASE_URL"`
	CurrentUser         string `json:"current_user" envconfig:"FIELDSYNC_CURRENT_USER"`
	PollIntervalSec     int    `json:"poll_interval_sec" envconfig:"FIELDSYNC_POLL_INTERVAL_SEC"`
	BackoffCeilingSec   int    `json:"backoff_ceiling_sec" envconfig:"FIELDSYNC_BACKOFF_CEILING_SEC"`
	FlushIntervalSec    int    `json:"flush_interval_sec" envconfig:"FIELDSYNC_FLUSH_INTERVAL_SEC"`
	MentionFreshnessSec int    `json:"mention_freshness_sec" envconfig:"FIELDSYNC_MENTION_FRESHNESS_SEC"`
	RetentionHours      int    `json:"retention_hours" envconfig:"FIELDSYNC_RETENTION_HOURS"`
	ProjectIDs          []int  `json:"project_ids" envconfig:"FIELDSYNC_PROJECT_IDS"`
}

type Notification struct {
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string       `json:"project_name" envconfig:"FIELDSYNC_PROJECT_NAME"`
	Server       ServerConfig `json:"server"`
	Store        StoreConfig  `json:"store"`
	Sync         SyncConfig   `json:"sync"`
	Notification Notification `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("fieldsync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called fieldsync.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Field-TM Sync"
	}

	if cnf.Sync.BaseURL == "" {
		log.Println("Error: API base URL is empty. It's a required field.")
		return errors.New("api base url is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.Sync.BaseURL = strings.TrimSuffix(strings.TrimSpace(cnf.Sync.BaseURL), "/")
	cnf.Store.Path = strings.TrimSpace(cnf.Store.Path)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Store.Path == "" {
		cnf.Store.Path = DEFAULT_STORE_PATH
		log.Printf("Warning: Store path not specified. Setting default path: %s", DEFAULT_STORE_PATH)
	}

	if cnf.Sync.PollIntervalSec <= 0 {
		cnf.Sync.PollIntervalSec = 25
	}
	if cnf.Sync.BackoffCeilingSec <= 0 {
		cnf.Sync.BackoffCeilingSec = 300
	}
	if cnf.Sync.FlushIntervalSec <= 0 {
		cnf.Sync.FlushIntervalSec = 15
	}
	if cnf.Sync.MentionFreshnessSec <= 0 {
		cnf.Sync.MentionFreshnessSec = 120
	}
	if cnf.Sync.RetentionHours <= 0 {
		cnf.Sync.RetentionHours = 72
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		logrus.Warn(err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
