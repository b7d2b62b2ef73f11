package corpus

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"clipforge/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{URL: server.URL, ServiceKey: "test-key"}, logging.NewNop(),
		WithHTTPClient(server.Client()))
}

func TestUpsertTranscriptInserts(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `[]`)
		case http.MethodPost:
			if got := r.Header.Get("apikey"); got != "test-key" {
				t.Fatalf("apikey = %q", got)
			}
			payload, _ := io.ReadAll(r.Body)
			json.Unmarshal(payload, &gotBody)
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `[{"id":"doc-1"}]`)
		}
	})

	id, err := client.UpsertTranscript(testContext(t), "job-1", "hallo wereld", []float64{0.1, 0.2})
	if err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}
	if id != "doc-1" {
		t.Fatalf("id = %q", id)
	}
	if gotBody["content"] != "hallo wereld" {
		t.Fatalf("content = %v", gotBody["content"])
	}
	metadata, _ := gotBody["metadata"].(map[string]any)
	if metadata["job_id"] != "job-1" || metadata["source"] != "video_pipeline" {
		t.Fatalf("metadata = %v", metadata)
	}
}

func TestUpsertTranscriptExistingDocument(t *testing.T) {
	posted := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `[{"id":"doc-existing"}]`)
		case http.MethodPost:
			posted = true
		}
	})

	id, err := client.UpsertTranscript(testContext(t), "job-1", "text", []float64{1})
	if err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}
	if id != "doc-existing" {
		t.Fatalf("id = %q", id)
	}
	if posted {
		t.Fatal("existing document must not be re-inserted")
	}
}

func TestUpsertTranscriptConflictRefetches(t *testing.T) {
	gets := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			gets++
			if gets == 1 {
				// Pre-check misses; another writer inserts between the
				// check and our POST.
				io.WriteString(w, `[]`)
				return
			}
			io.WriteString(w, `[{"id":"doc-raced"}]`)
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		}
	})

	id, err := client.UpsertTranscript(testContext(t), "job-1", "text", []float64{1})
	if err != nil {
		t.Fatalf("UpsertTranscript: %v", err)
	}
	if id != "doc-raced" {
		t.Fatalf("id = %q", id)
	}
}

func TestReferencesDecodesVectors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("doc_type"); got != "eq.technique" {
			t.Fatalf("doc_type filter = %q", got)
		}
		// Mixed encodings: plain array, string-encoded array, and a row
		// with no embedding at all.
		io.WriteString(w, `[
			{"id":"d1","technique_id":"t1","title":"Spiegelen","embedding":[0.1,0.2]},
			{"id":"d2","technique_id":"t2","title":"Ankeren","embedding":"[0.3,0.4]"},
			{"id":"d3","technique_id":"t3","title":"Leeg"}
		]`)
	})

	refs, err := client.References(testContext(t))
	if err != nil {
		t.Fatalf("References: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want 2 (row without embedding skipped)", len(refs))
	}
	if refs[0].TechniqueID != "t1" || refs[0].Vector[1] != 0.2 {
		t.Fatalf("refs[0] = %+v", refs[0])
	}
	if refs[1].TechniqueID != "t2" || refs[1].Vector[0] != 0.3 {
		t.Fatalf("refs[1] = %+v", refs[1])
	}
}

func TestDecodeVector(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
		ok   bool
	}{
		{"array", `[1,2,3]`, 3, true},
		{"string encoded", `"[1,2]"`, 2, true},
		{"empty array", `[]`, 0, false},
		{"garbage string", `"not json"`, 0, false},
		{"null", `null`, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vector, ok := decodeVector(json.RawMessage(tc.raw))
			if ok != tc.ok || len(vector) != tc.want {
				t.Fatalf("decodeVector(%s) = %v ok=%v, want len %d ok=%v", tc.raw, vector, ok, tc.want, tc.ok)
			}
		})
	}
}
