package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/mealab/datasource/datasource"
)

// A fresh source carries NaN sentinels for gain, adc-range and
// sample-rate; the status document must still be valid JSON.
func TestStatusOnFreshSource(t *testing.T) {
	src := datasource.NewFileSource("test-file.h5", 10)
	s := newSrv(src)
	defer src.Close()

	rec := httptest.NewRecorder()
	s.status(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Fatalf("status returned %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("status returned an empty body")
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &obj); err != nil {
		t.Fatalf("status body is not valid JSON: %v", err)
	}
	for _, name := range []string{"gain", "adc-range", "sample-rate"} {
		v, present := obj[name]
		if !present {
			t.Errorf("status document is missing %q", name)
			continue
		}
		if v != nil {
			t.Errorf("unset %q rendered as %v, want null", name, v)
		}
	}
	if obj["state"] != "invalid" {
		t.Errorf("state = %v, want invalid", obj["state"])
	}
}
