package fhir

import (
	"errors"
	"testing"
)

const bundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"fullUrl": "urn:uuid:p-1", "resource": {"resourceType": "Patient", "gender": "female", "birthDate": "1990-04-02",
      "name": [{"family": "Doe", "given": ["Jane"]}], "address": [{"postalCode": "02139", "state": "MA"}]}},
    {"resource": {"resourceType": "Observation", "id": "o-1", "subject": {"reference": "urn:uuid:p-1"},
      "code": {"coding": [{"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"}]},
      "valueQuantity": {"value": 72, "unit": "/min"}, "effectiveDateTime": "2024-01-05T10:00:00Z"}},
    {"resource": {"resourceType": "Condition", "id": "c-1", "subject": {"reference": "Patient/p-1"},
      "code": {"text": "Type 2 diabetes"}}},
    {"resource": {"resourceType": "Observation", "id": "o-2", "code": {"text": "orphan"}}}
  ]
}`

func TestExtractBundle(t *testing.T) {
	resources, err := Extract([]byte(bundle))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(resources) != 4 {
		t.Fatalf("expected 4 resources, got %d", len(resources))
	}
	if resources[0].ID() != "p-1" {
		t.Fatalf("expected patient id from fullUrl, got %q", resources[0].ID())
	}

	obs := resources[1]
	if v, ok := obs.Float("valueQuantity", "value"); !ok || v != 72 {
		t.Fatalf("expected value 72, got %v %v", v, ok)
	}
	code := obs.Concept("code")
	if code.Code != "8867-4" || code.Display != "Heart rate" || code.System != "http://loinc.org" {
		t.Fatalf("unexpected coding %+v", code)
	}
	if got := resources[0].String("name", "given"); got != "Jane" {
		t.Fatalf("expected first given name, got %q", got)
	}
	if got := resources[2].Concept("code").Display; got != "Type 2 diabetes" {
		t.Fatalf("expected text fallback, got %q", got)
	}

	groups, orphans := GroupByPatient(resources)
	if len(groups) != 1 || len(orphans) != 1 {
		t.Fatalf("expected 1 group and 1 orphan, got %d and %d", len(groups), len(orphans))
	}
	if groups[0].Patient == nil || len(groups[0].Resources) != 2 {
		t.Fatalf("unexpected group %+v", groups[0])
	}

	types := Types(resources)
	if len(types) != 3 || types[0] != "Patient" || types[1] != "Observation" || types[2] != "Condition" {
		t.Fatalf("unexpected types %v", types)
	}
}

func TestExtractSingleArrayAndNDJSON(t *testing.T) {
	single := `{"resourceType": "Patient", "id": "x"}`
	res, err := Extract([]byte(single))
	if err != nil || len(res) != 1 || res[0].ID() != "x" {
		t.Fatalf("single: %v %v", res, err)
	}

	array := `[{"resourceType": "Patient", "id": "a"}, {"foo": 1}, {"resourceType": "Condition", "subject": {"reference": "Patient/a"}}]`
	res, err = Extract([]byte(array))
	if err != nil || len(res) != 2 {
		t.Fatalf("array: %v %v", res, err)
	}

	nd := "{\"resourceType\": \"Patient\", \"id\": \"a\"}\n\n{\"resourceType\": \"Observation\", \"subject\": {\"reference\": \"Patient/a\"}}\n"
	res, err = Extract([]byte(nd))
	if err != nil || len(res) != 2 {
		t.Fatalf("ndjson: %v %v", res, err)
	}
	if res[1].SubjectID() != "a" {
		t.Fatalf("expected subject a, got %q", res[1].SubjectID())
	}
}

func TestExtractNoResources(t *testing.T) {
	for _, in := range []string{"", `{"name": "x"}`, `[]`} {
		if _, err := Extract([]byte(in)); !errors.Is(err, ErrNoResources) {
			t.Fatalf("%q: expected ErrNoResources, got %v", in, err)
		}
	}
	if _, err := Extract([]byte("not json")); err == nil || errors.Is(err, ErrNoResources) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestReferenceID(t *testing.T) {
	cases := map[string]string{
		"Patient/123":        "123",
		"urn:uuid:abc-def":   "abc-def",
		"http://x/Patient/9": "9",
		"plain":              "plain",
	}
	for in, want := range cases {
		if got := ReferenceID(in); got != want {
			t.Fatalf("ReferenceID(%q) = %q, want %q", in, got, want)
		}
	}
}
