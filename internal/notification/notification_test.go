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

package notification

import (
	"errors"
	"testing"

	"github.com/hotosm/field-tm-sync/config"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
)

func TestWebhookNotification(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://example.com/errors",
		httpmock.NewStringResponder(200, `{"ok":true}`))

	cnf := &config.Configuration{
		ProjectName: "Field-TM Sync Test",
		Sync:        config.SyncConfig{BaseURL: "http://example.com"},
	}
	cnf.Notification.Webhook.Url = "http://example.com/errors"
	cnf.Notification.Webhook.Headers = map[string]string{"X-Token": "t0k3n"}
	config.MockConfig(cnf)

	WebhookNotification(errors.New("feed disconnected"))

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["POST http://example.com/errors"])
}

func TestWebhookNotificationSkippedWithoutURL(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	cnf := &config.Configuration{
		ProjectName: "Field-TM Sync Test",
		Sync:        config.SyncConfig{BaseURL: "http://example.com"},
	}
	config.MockConfig(cnf)

	// NotifyError must not post anywhere when no webhook is configured.
	NotifyError(errors.New("row write failed"))

	assert.Empty(t, httpmock.GetCallCountInfo())
}
