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
	"log"
	"net/http"
	"time"

	"github.com/hotosm/field-tm-sync/internal/request"
	"github.com/sirupsen/logrus"

	"github.com/hotosm/field-tm-sync/config"
)

// WebhookNotification posts an error report to the configured webhook.
// Field deployments use this to collect engine failures from devices that
// are otherwise only intermittently reachable.
//
// Parameters:
// - err: The error to be reported.
func WebhookNotification(err error) {
	conf, confErr := config.Fetch()
	if confErr != nil {
		log.Println(confErr)
		return
	}

	payload, marshalErr := request.ToJsonReq(map[string]interface{}{
		"source":  conf.ProjectName,
		"error":   err.Error(),
		"time":    time.Now().Format(time.RFC3339),
		"offline": false,
	})
	if marshalErr != nil {
		log.Println(marshalErr)
		return
	}

	req, reqErr := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if reqErr != nil {
		log.Println(reqErr)
		return
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	if _, callErr := request.Call(req, &response); callErr != nil {
		log.Println(callErr)
	}
}

// NotifyError sends an error notification through the configured notification system.
// It logs the error locally and posts it to the error webhook (if configured).
//
// Parameters:
// - systemError: The error to notify.
//
// This function runs the notification process asynchronously using a goroutine to avoid blocking.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Webhook.Url != "" {
			WebhookNotification(systemError)
		}
	}(systemError)
}
