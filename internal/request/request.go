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

package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/hotosm/field-tm-sync/model"
)

// IdempotencyHeader carries the client-generated key that lets the server
// deduplicate retried sends of the same logical action.
const IdempotencyHeader = "X-Idempotency-Key"

// ToJsonReq converts a Go object to a JSON-encoded HTTP request payload.
// It serializes the provided payload to JSON format and wraps it in a buffer for sending in HTTP requests.
//
// Parameters:
// - payload interface{}: The data structure to be serialized into JSON.
//
// Returns:
// - *bytes.Buffer: The JSON-encoded payload wrapped in a bytes buffer, ready to be sent in a request.
// - error: An error if the JSON marshalling process fails.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, e
	}

	bytePayload := bytes.NewBuffer(c)
	return bytePayload, nil
}

// ToMultipartReq reconstructs a multipart request body from a stored
// multipart payload: one XML part plus zero or more binary attachment
// parts. Attachments are held base64-encoded in the durable store (it
// cannot uniformly persist raw binary blobs) and decoded here at send time.
//
// Parameters:
// - payload model.MultipartPayload: The stored XML document and attachments.
//
// Returns:
// - *bytes.Buffer: The assembled multipart body.
// - string: The content type, including the multipart boundary.
// - error: An error if an attachment fails to decode or a part fails to write.
func ToMultipartReq(payload model.MultipartPayload) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	xmlHeader := textproto.MIMEHeader{}
	xmlHeader.Set("Content-Disposition", `form-data; name="xml_submission_file"; filename="submission.xml"`)
	xmlHeader.Set("Content-Type", "text/xml")
	xmlPart, err := writer.CreatePart(xmlHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := xmlPart.Write([]byte(payload.XML)); err != nil {
		return nil, "", err
	}

	for _, att := range payload.Attachments {
		raw, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, "", err
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="`+att.Filename+`"; filename="`+att.Filename+`"`)
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(raw); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// Call makes an HTTP request using the provided request object and decodes the response into the specified structure.
// It automatically sets the request Content-Type to application/json when none is set and decodes the JSON response
// body into the provided response interface.
//
// Parameters:
// - req *http.Request: The prepared HTTP request to send.
// - response interface{}: The target structure to hold the decoded JSON response. May be nil to skip decoding.
//
// Returns:
// - *http.Response: The raw HTTP response object.
// - error: An error if the HTTP request or JSON decoding fails.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return resp, err
	}

	if response == nil {
		return resp, nil
	}

	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return resp, err
	}
	return resp, err
}

// IsMultipartContentType reports whether a content type string describes a
// multipart body.
func IsMultipartContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "multipart/")
}
