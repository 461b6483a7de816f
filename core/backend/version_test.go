package backend

import (
	"net/http"
	"sync"
	"testing"
)

func TestVersionLifecycle(t *testing.T) {
	_, c := createVerifiedUser(t, "victor")

	sample := createSample(t, c, map[string]interface{}{"number": "VER-001"})
	if sample["version"].(float64) != 1 {
		t.Fatal("new sample must start at version 1:", asJSON(sample))
	}
	path := samplePath(sample)

	var updated map[string]interface{}
	_, err := c.RawPut(path, map[string]interface{}{
		"number": "VER-001", "country": "Iceland", "version": 2}, &updated)
	if err != nil {
		t.Fatal(err)
	}
	if updated["version"].(float64) != 2 || updated["country"] != "Iceland" {
		t.Fatal("unexpected result:", asJSON(updated))
	}

	_, err = c.RawPut(path, map[string]interface{}{
		"number": "VER-001", "version": 3}, &updated)
	if err != nil {
		t.Fatal(err)
	}
	if updated["version"].(float64) != 3 {
		t.Fatal("unexpected result:", asJSON(updated))
	}
}

func TestVersionConflicts(t *testing.T) {
	_, c := createVerifiedUser(t, "conny")

	sample := createSample(t, c, map[string]interface{}{"number": "CONF-001"})
	path := samplePath(sample)

	// a missing version number is a conflict, not a wildcard
	status, _ := c.RawPut(path, map[string]interface{}{"number": "CONF-001"}, nil)
	if status != 409 {
		t.Fatal("missing version got status", status)
	}

	// replaying the stored version is a conflict
	status, _ = c.RawPut(path, map[string]interface{}{
		"number": "CONF-001", "version": 1}, nil)
	if status != 409 {
		t.Fatal("replayed version got status", status)
	}

	// so is skipping ahead
	status, _ = c.RawPut(path, map[string]interface{}{
		"number": "CONF-001", "version": 5}, nil)
	if status != 409 {
		t.Fatal("skipped version got status", status)
	}

	// two editors based on version 1: the first succeeds, the second is
	// told that the object has changed since its last GET
	if _, err := c.RawPut(path, map[string]interface{}{
		"number": "CONF-001a", "version": 2}, nil); err != nil {
		t.Fatal(err)
	}
	status, _ = c.RawPut(path, map[string]interface{}{
		"number": "CONF-001b", "version": 2}, nil)
	if status != 409 {
		t.Fatal("lost update got status", status)
	}

	// the winner's data is untouched
	sampleGet := map[string]interface{}{}
	if _, err := c.RawGet(path, &sampleGet); err != nil {
		t.Fatal(err)
	}
	if sampleGet["number"] != "CONF-001a" || sampleGet["version"].(float64) != 2 {
		t.Fatal("unexpected result:", asJSON(sampleGet))
	}
}

func TestVersionConcurrentUpdates(t *testing.T) {
	_, c := createVerifiedUser(t, "racer")

	sample := createSample(t, c, map[string]interface{}{"number": "RACE-001"})
	path := samplePath(sample)

	// two editors based on version 1 submit at the same time, the row
	// lock serializes them: exactly one wins, the other gets a conflict
	type outcome struct {
		status int
		body   map[string]interface{}
	}
	outcomes := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, country := range []string{"Chile", "Bolivia"} {
		wg.Add(1)
		go func(country string) {
			defer wg.Done()
			body := map[string]interface{}{}
			status, _ := c.RawPut(path, map[string]interface{}{
				"number": "RACE-001", "country": country, "version": 2}, &body)
			outcomes <- outcome{status, body}
		}(country)
	}
	wg.Wait()
	close(outcomes)

	counts := map[int]int{}
	var winner map[string]interface{}
	for o := range outcomes {
		counts[o.status]++
		if o.status == http.StatusOK {
			winner = o.body
		}
	}
	if counts[http.StatusOK] != 1 || counts[http.StatusConflict] != 1 {
		t.Fatal("expected exactly one winner and one conflict, got", asJSON(counts))
	}
	if winner["version"].(float64) != 2 {
		t.Fatal("unexpected result:", asJSON(winner))
	}

	// the stored row carries the winner's data
	sampleGet := map[string]interface{}{}
	if _, err := c.RawGet(path, &sampleGet); err != nil {
		t.Fatal(err)
	}
	if sampleGet["country"] != winner["country"] || sampleGet["version"].(float64) != 2 {
		t.Fatal("unexpected result:", asJSON(sampleGet))
	}
}

func TestVersionCreateRules(t *testing.T) {
	_, c := createVerifiedUser(t, "creta")

	// creating with version 0 is fine, anything else is rejected
	sample := createSample(t, c, map[string]interface{}{"number": "NEW-001", "version": 0})
	if sample["version"].(float64) != 1 {
		t.Fatal("unexpected result:", asJSON(sample))
	}
	status, _ := c.RawPost("/samples", map[string]interface{}{
		"number": "NEW-002", "version": 7}, nil)
	if status != 409 {
		t.Fatal("create with version got status", status)
	}

	// POST with the key of an existing row is redirected to PUT
	status, _ = c.RawPost("/samples", map[string]interface{}{
		"number": "NEW-003", "sample_id": sample["sample_id"]}, nil)
	if status != 409 {
		t.Fatal("create of existing row got status", status)
	}

	// PUT of a row that does not exist is redirected to POST
	status, _ = c.RawPut("/samples/987654", map[string]interface{}{
		"number": "NEW-004", "version": 1}, nil)
	if status != 404 {
		t.Fatal("update of missing row got status", status)
	}
}
