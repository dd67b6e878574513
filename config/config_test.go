package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Test case with empty base URL
	cnf := Configuration{
		ProjectName: "",
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "api base url is required" {
		t.Errorf("Expected api base url required error, got %v", err)
	}

	// Test case with all required fields filled, expect no error
	cnf = Configuration{
		ProjectName: "Test Project",
		Sync: SyncConfig{
			BaseURL: "http://localhost:8000/",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Sync.BaseURL != "http://localhost:8000" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", cnf.Sync.BaseURL)
	}

	// Test default port setting
	cnf.Server.Port = ""
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}

	// Engine tunables get defaults
	if cnf.Sync.PollIntervalSec != 25 {
		t.Errorf("Expected default poll interval 25, got %d", cnf.Sync.PollIntervalSec)
	}
	if cnf.Sync.MentionFreshnessSec != 120 {
		t.Errorf("Expected default mention freshness 120, got %d", cnf.Sync.MentionFreshnessSec)
	}
	if cnf.Store.Path != DEFAULT_STORE_PATH {
		t.Errorf("Expected default store path %s, got %s", DEFAULT_STORE_PATH, cnf.Store.Path)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	// Create a temporary file
	tmpFile, err := os.CreateTemp("", "fieldsync.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up after the test

	// Sample configuration to write to the temp file
	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		Sync: SyncConfig{
			BaseURL:     "http://localhost:8000",
			CurrentUser: "svcfield",
		},
	}
	data, err := json.Marshal(sampleConfig)
	if err != nil {
		t.Fatalf("Unable to marshal sample config: %v", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("Unable to close temporary file: %v", err)
	}

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile returned error: %v", err)
	}

	cnf, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if cnf.ProjectName != "Temp Project" {
		t.Errorf("Expected project name 'Temp Project', got %s", cnf.ProjectName)
	}
	if cnf.Sync.CurrentUser != "svcfield" {
		t.Errorf("Expected current user 'svcfield', got %s", cnf.Sync.CurrentUser)
	}
	if cnf.Sync.FlushIntervalSec != 15 {
		t.Errorf("Expected default flush interval 15, got %d", cnf.Sync.FlushIntervalSec)
	}
}
