package backend

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/petrodata/petrodb/core/blob"
)

func TestImageContent(t *testing.T) {
	_, owner := createVerifiedUser(t, "ivo")
	_, stranger := createVerifiedUser(t, "inga")

	var image map[string]interface{}
	_, err := owner.RawPost("/images", map[string]interface{}{
		"filename": "outcrop.png"}, &image)
	if err != nil {
		t.Fatal(err)
	}
	contentPath := fmt.Sprintf("/images/%.0f/content", image["image_id"].(float64))

	// no content uploaded yet
	_, status, _ := owner.RawGetBlob(contentPath, &[]byte{})
	if status != 404 {
		t.Fatal("download before upload got status", status)
	}

	payload := []byte("not really a png")
	status, err = owner.RawPutBlob(contentPath, "image/png", payload)
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Fatal("upload got status", status)
	}

	var downloaded []byte
	contentType, _, err := owner.RawGetBlob(contentPath, &downloaded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(downloaded, payload) {
		t.Fatal("downloaded content differs")
	}
	if contentType != "image/png" {
		t.Fatal("unexpected content type:", contentType)
	}

	// content follows the row's access control
	_, status, _ = stranger.RawGetBlob(contentPath, &downloaded)
	if status != 401 {
		t.Fatal("stranger download got status", status)
	}
	status, _ = stranger.RawPutBlob(contentPath, "image/png", payload)
	if status != 401 {
		t.Fatal("stranger upload got status", status)
	}
	_, status, _ = testService.client.RawGetBlob(contentPath, &downloaded)
	if status != 401 {
		t.Fatal("anonymous download got status", status)
	}

	// re-upload replaces the content
	replacement := []byte("a different png")
	if _, err = owner.RawPutBlob(contentPath, "image/jpeg", replacement); err != nil {
		t.Fatal(err)
	}
	contentType, _, err = owner.RawGetBlob(contentPath, &downloaded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(downloaded, replacement) || contentType != "image/jpeg" {
		t.Fatal("replacement content differs")
	}
}

func TestImageContentMissingRow(t *testing.T) {
	_, c := createVerifiedUser(t, "imre")
	status, _ := c.RawPutBlob("/images/987654/content", "image/png", []byte("data"))
	if status != 404 {
		t.Fatal("upload to missing image got status", status)
	}
}

func TestImageDeleteRemovesContent(t *testing.T) {
	_, c := createVerifiedUser(t, "ilse")

	var image map[string]interface{}
	_, err := c.RawPost("/images", map[string]interface{}{
		"filename": "gone.png"}, &image)
	if err != nil {
		t.Fatal(err)
	}
	id := image["image_id"].(float64)
	contentPath := fmt.Sprintf("/images/%.0f/content", id)

	if _, err = c.RawPutBlob(contentPath, "image/png", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if _, err = c.RawDelete(fmt.Sprintf("/images/%.0f", id)); err != nil {
		t.Fatal(err)
	}

	// the blob store no longer holds the content
	rc, _ := testService.backend.config.resource("image")
	var buf bytes.Buffer
	_, err = testService.backend.blobDriver.Download(
		testService.client.Context(), blobKey(rc, int64(id)), &buf)
	if err != blob.ErrNotFound {
		t.Fatal("content survived the row deletion:", err)
	}
}
