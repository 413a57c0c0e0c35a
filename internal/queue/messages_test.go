package queue

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeStamp(t *testing.T) {
	msg := &ThumbnailGenMessage{ImageID: "img1", JobID: "job1"}
	msg.stamp(TypeThumbnailGen)

	if msg.MessageType != TypeThumbnailGen {
		t.Errorf("messageType = %q, want %q", msg.MessageType, TypeThumbnailGen)
	}
	if msg.CorrelationID == "" {
		t.Error("correlationId not generated")
	}

	// An existing correlation id is preserved across republish.
	id := msg.CorrelationID
	msg.stamp(TypeThumbnailGen)
	if msg.CorrelationID != id {
		t.Errorf("correlationId changed on restamp: %q -> %q", id, msg.CorrelationID)
	}
}

func TestMessageWireFieldNames(t *testing.T) {
	// Field names are a stable wire contract; a rename breaks cross-version
	// consumers draining old queues.
	msg := &CacheGenMessage{
		ImageID:      "img1",
		CollectionID: "col1",
		ImagePath:    "book.zip#p01.jpg",
		Width:        1280,
		Height:       1280,
		Quality:      85,
		Format:       "webp",
		JobID:        "job1",
	}
	msg.stamp(TypeCacheGen)

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{
		"messageType", "correlationId", "imageId", "collectionId", "imagePath",
		"width", "height", "quality", "format", "forceRegenerate", "jobId",
	} {
		if _, ok := raw[field]; !ok {
			t.Errorf("wire field %q missing from %s", field, data)
		}
	}

	// cachePath is omitted when empty: the consumer computes it.
	if _, ok := raw["cachePath"]; ok {
		t.Error("empty cachePath serialized, want omitted")
	}
}

func TestLibraryScanMessageRoundTrip(t *testing.T) {
	in := &LibraryScanMessage{
		LibraryID:         "lib1",
		LibraryPath:       "/L",
		ScanType:          ScanTypeFull,
		IncludeSubfolders: true,
		ResumeIncomplete:  true,
	}
	in.stamp(TypeLibraryScan)

	data, _ := json.Marshal(in)
	var out LibraryScanMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != *in {
		t.Errorf("round trip mismatch: %+v != %+v", out, *in)
	}
}
