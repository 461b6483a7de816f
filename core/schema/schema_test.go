package schema_test

import (
	"testing"

	"github.com/petrodata/petrodb/core/schema"
)

const (
	refLocation = `{ "$id" : "https://petrodata.org/schemas/refs/location.json",
		"type" : "object",
		"properties" : {
			"latitude" : { "type" : "number", "minimum" : -90, "maximum" : 90 },
			"longitude" : { "type" : "number", "minimum" : -180, "maximum" : 180 }
		},
		"required" : [ "latitude", "longitude" ]
	}`

	sampleSchema = `{
		"$id" : "https://petrodata.org/schemas/sample.json",
		"type" : "object",
		"properties" : {
			"number" : { "type" : "string", "maxLength" : 35 },
			"location" : { "$ref" : "https://petrodata.org/schemas/refs/location.json" }
		},
		"required" : [ "number" ]
	}`

	analysisSchema = `{
		"$id" : "https://petrodata.org/schemas/chemical-analysis.json",
		"type" : "object",
		"properties" : {
			"value" : { "type" : "number" },
			"precision" : { "type" : "number", "minimum" : 0 }
		},
		"required" : [ "value" ]
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{sampleSchema, analysisSchema}, []string{refLocation})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	sampleID := "https://petrodata.org/schemas/sample.json"
	analysisID := "https://petrodata.org/schemas/chemical-analysis.json"

	valid := `{"number": "SMP-001", "location": {"latitude": 44.5, "longitude": -72.1}}`
	if err := v.ValidateString(valid, sampleID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", valid, sampleID, err)
	}

	missingNumber := `{"location": {"latitude": 44.5, "longitude": -72.1}}`
	if err := v.ValidateString(missingNumber, sampleID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", missingNumber, sampleID)
	}

	badLatitude := `{"number": "SMP-001", "location": {"latitude": 91, "longitude": 0}}`
	if err := v.ValidateString(badLatitude, sampleID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", badLatitude, sampleID)
	}

	if err := v.ValidateString(`{"value": 12.5, "precision": 0.01}`, analysisID); err != nil {
		t.Fatalf("valid analysis rejected: %v", err)
	}
	if err := v.ValidateString(`{"precision": 0.01}`, analysisID); err == nil {
		t.Fatal("analysis without value is expected to be invalid")
	}
}

func TestValidateStruct(t *testing.T) {
	type analysis struct {
		Value     float64 `json:"value"`
		Precision float64 `json:"precision"`
	}
	v, err := schema.NewValidator([]string{analysisSchema}, []string{})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}
	analysisID := "https://petrodata.org/schemas/chemical-analysis.json"
	if err := v.ValidateStruct(analysis{Value: 3.2, Precision: 0.1}, analysisID); err != nil {
		t.Fatalf("valid analysis rejected: %v", err)
	}

	type wrongAnalysis struct {
		Value string `json:"value"`
	}
	if err := v.ValidateStruct(wrongAnalysis{Value: "high"}, analysisID); err == nil {
		t.Fatal("analysis with string value is expected to be invalid")
	}
}

func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{sampleSchema, analysisSchema}, []string{refLocation})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}
	if !v.HasSchema("https://petrodata.org/schemas/sample.json") {
		t.Fatal("sample schema is expected to be available")
	}
	if v.HasSchema("https://petrodata.org/schemas/unknown.json") {
		t.Fatal("unknown schema is not expected to be available")
	}
}
