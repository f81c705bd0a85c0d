// Package fhir extracts FHIR R4 resources from JSON payloads.
package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoResources = errors.New("fhir: no resources found")

// Resource is a decoded FHIR resource. Fields are accessed by path so that
// partially conformant payloads still yield what they can.
type Resource map[string]interface{}

func (r Resource) Type() string { return r.String("resourceType") }
func (r Resource) ID() string   { return r.String("id") }

// Lookup walks path through nested objects. Arrays along the way resolve to
// their first element.
func (r Resource) Lookup(path ...string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(r)
	for _, key := range path {
		cur = first(cur)
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	v := first(cur)
	return v, v != nil
}

func (r Resource) String(path ...string) string {
	v, ok := r.Lookup(path...)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func (r Resource) Float(path ...string) (float64, bool) {
	v, ok := r.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

// List returns the array at path, or a one-element slice if the value is scalar.
func (r Resource) List(path ...string) []Resource {
	var cur interface{} = map[string]interface{}(r)
	for _, key := range path {
		obj, ok := first(cur).(map[string]interface{})
		if !ok {
			return nil
		}
		if cur = obj[key]; cur == nil {
			return nil
		}
	}
	var out []Resource
	switch val := cur.(type) {
	case []interface{}:
		for _, item := range val {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, Resource(m))
			}
		}
	case map[string]interface{}:
		out = append(out, Resource(val))
	}
	return out
}

// Coding is the first coding of a CodeableConcept.
type Coding struct {
	System  string
	Code    string
	Display string
}

// Concept reads the CodeableConcept at path. Display falls back to the
// concept's text.
func (r Resource) Concept(path ...string) Coding {
	c := Coding{
		System:  r.String(append(append([]string{}, path...), "coding", "system")...),
		Code:    r.String(append(append([]string{}, path...), "coding", "code")...),
		Display: r.String(append(append([]string{}, path...), "coding", "display")...),
	}
	if text := r.String(append(append([]string{}, path...), "text")...); text != "" && c.Display == "" {
		c.Display = text
	}
	return c
}

// SubjectID resolves the patient a clinical resource refers to.
func (r Resource) SubjectID() string {
	if r.Type() == "Patient" {
		return r.ID()
	}
	for _, key := range []string{"subject", "patient"} {
		if ref := r.String(key, "reference"); ref != "" {
			return ReferenceID(ref)
		}
	}
	return ""
}

// ReferenceID strips the type prefix or urn:uuid: scheme from a reference.
func ReferenceID(ref string) string {
	ref = strings.TrimPrefix(ref, "urn:uuid:")
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// Extract decodes data as a Bundle, an array of resources, a single resource
// or NDJSON, and returns the resources it contains in document order.
func Extract(data []byte) ([]Resource, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrNoResources
	}

	var doc interface{}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		resources, nerr := extractNDJSON(trimmed)
		if nerr != nil {
			return nil, fmt.Errorf("fhir: decode: %w", err)
		}
		return resources, nil
	}

	var resources []Resource
	switch v := doc.(type) {
	case map[string]interface{}:
		resources = flatten(Resource(v))
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok && IsResource(m) {
				resources = append(resources, flatten(Resource(m))...)
			}
		}
	}
	if len(resources) == 0 {
		return nil, ErrNoResources
	}
	return resources, nil
}

func extractNDJSON(data []byte) ([]Resource, error) {
	var out []Resource
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		if IsResource(m) {
			out = append(out, flatten(Resource(m))...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoResources
	}
	return out, nil
}

// flatten unwraps Bundle entries. Entries without an id inherit the uuid from
// fullUrl so that urn:uuid references still resolve.
func flatten(r Resource) []Resource {
	if r.Type() != "Bundle" {
		if IsResource(r) {
			return []Resource{r}
		}
		return nil
	}
	var out []Resource
	for _, entry := range r.List("entry") {
		res, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		inner := Resource(res)
		if inner.ID() == "" {
			if full := entry.String("fullUrl"); full != "" {
				inner["id"] = ReferenceID(full)
			}
		}
		out = append(out, flatten(inner)...)
	}
	return out
}

// IsResource reports whether m carries a resourceType.
func IsResource(m map[string]interface{}) bool {
	rt, ok := m["resourceType"].(string)
	return ok && rt != ""
}

// PatientGroup is one patient's resources.
type PatientGroup struct {
	PatientID string
	Patient   Resource
	Resources []Resource
}

// GroupByPatient groups resources by the patient they belong to, ordered by
// first appearance. Resources with no resolvable subject are returned
// separately.
func GroupByPatient(resources []Resource) (groups []PatientGroup, orphans []Resource) {
	index := make(map[string]int)
	for _, r := range resources {
		pid := r.SubjectID()
		if pid == "" {
			orphans = append(orphans, r)
			continue
		}
		i, ok := index[pid]
		if !ok {
			i = len(groups)
			index[pid] = i
			groups = append(groups, PatientGroup{PatientID: pid})
		}
		if r.Type() == "Patient" {
			groups[i].Patient = r
		} else {
			groups[i].Resources = append(groups[i].Resources, r)
		}
	}
	return groups, orphans
}

// Types returns the distinct resource types in order of first appearance.
func Types(resources []Resource) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range resources {
		t := r.Type()
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func first(v interface{}) interface{} {
	if arr, ok := v.([]interface{}); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return v
}
