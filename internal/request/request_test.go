package request

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"testing"

	"github.com/hotosm/field-tm-sync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJsonReq(t *testing.T) {
	buf, err := ToJsonReq(map[string]string{"event": "MAP"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"event":"MAP"}`, buf.String())
}

func TestToMultipartReq(t *testing.T) {
	photo := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	payload := model.MultipartPayload{
		XML: `<data id="buildings"><entity>ent-1</entity></data>`,
		Attachments: []model.Attachment{
			{
				Filename:    "photo_1.jpg",
				ContentType: "image/jpeg",
				Data:        base64.StdEncoding.EncodeToString(photo),
			},
		},
	}

	body, contentType, err := ToMultipartReq(payload)
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)
	assert.True(t, IsMultipartContentType(mediaType))

	reader := multipart.NewReader(bytes.NewReader(body.Bytes()), params["boundary"])

	xmlPart, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "xml_submission_file", xmlPart.FormName())
	xmlData, _ := io.ReadAll(xmlPart)
	assert.Equal(t, payload.XML, string(xmlData))

	attPart, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "photo_1.jpg", attPart.FileName())
	attData, _ := io.ReadAll(attPart)
	// The base64 round trip restores the original bytes exactly.
	assert.Equal(t, photo, attData)

	_, err = reader.NextPart()
	assert.Equal(t, io.EOF, err)
}

func TestToMultipartReqBadBase64(t *testing.T) {
	payload := model.MultipartPayload{
		XML:         "<data/>",
		Attachments: []model.Attachment{{Filename: "x.bin", Data: "!!not base64!!"}},
	}

	_, _, err := ToMultipartReq(payload)
	assert.Error(t, err)
}
