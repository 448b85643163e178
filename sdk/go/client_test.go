package civicflowsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsAuthAndDecodesSnapshot(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"report": map[string]any{"id": 7, "status": "classified", "version": 3},
			"from":   "pending_classification",
			"to":     "classified",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	snap, err := c.Transition(context.Background(), 7, Transition{
		NewStatus: "classified",
		Payload:   Payload{Category: "roads", Severity: "high"},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if gotPath != "/v1/reports/7/status" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotBody["new_status"] != "classified" || gotBody["category"] != "roads" {
		t.Fatalf("body not flattened: %v", gotBody)
	}
	if snap.To != "classified" || snap.Report.Version != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "cf_key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"illegal_transition","message":"received -> closed is not allowed","details":{"from":"received","to":"closed"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "cf_key"
	_, err := c.Transition(context.Background(), 1, Transition{NewStatus: "closed"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if code := ErrorCode(err); code != "illegal_transition" {
		t.Fatalf("code = %q (%v)", code, err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict || apiErr.Details["from"] != "received" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientListQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/reports" || r.URL.Query().Get("status") != "received" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`[{"id":1,"status":"received"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "/api"
	items, err := c.ListReports(context.Background(), "received", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != 1 {
		t.Fatalf("unexpected items: %+v", items)
	}
}
