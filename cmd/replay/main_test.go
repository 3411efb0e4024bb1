package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReadClaims(t *testing.T) {
	data := `claim_id,member_id,provider_id,amount,service_date,claim_date,diagnosis_code,procedure_codes,is_fraud
c-1,m-1,p-1,120.50,2024-06-04,2024-06-05,J45.909,99213;36415,0
c-2,m-1,p-2,not-a-number,2024-06-04,2024-06-05,J45.909,99213,1
c-3,m-2,p-1,9800,2024-06-08T09:00:00Z,2024-06-08T12:00:00Z,M54.5,97110,true
`
	claims, skipped, err := readClaims(strings.NewReader(data), 0)
	if err != nil {
		t.Fatalf("readClaims failed: %v", err)
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped row, got %d", skipped)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}

	first := claims[0]
	if first.Amount.StringFixed(2) != "120.50" {
		t.Errorf("unexpected amount %s", first.Amount)
	}
	if len(first.ProcedureCodes) != 2 || first.ProcedureCodes[1] != "36415" {
		t.Errorf("unexpected procedures %v", first.ProcedureCodes)
	}
	if !first.ServiceDate.Equal(time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected service date %v", first.ServiceDate)
	}
	if first.IsFraud || !claims[1].IsFraud {
		t.Error("fraud labels parsed incorrectly")
	}
}

func TestReadClaimsLimitAndColumns(t *testing.T) {
	data := "claim_id,member_id\nc-1,m-1\n"
	if _, _, err := readClaims(strings.NewReader(data), 0); err == nil {
		t.Error("expected error for missing columns")
	}

	full := `claim_id,member_id,provider_id,amount,service_date,claim_date,diagnosis_code,procedure_codes,is_fraud
c-1,m-1,p-1,1,2024-06-04,2024-06-04,A00,,0
c-2,m-1,p-1,1,2024-06-04,2024-06-04,A00,,0
`
	claims, _, err := readClaims(strings.NewReader(full), 1)
	if err != nil {
		t.Fatalf("readClaims failed: %v", err)
	}
	if len(claims) != 1 {
		t.Errorf("expected limit to apply, got %d", len(claims))
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5}
	if got := percentile(sorted, 0.5); got != 3 {
		t.Errorf("p50 = %v, want 3", got)
	}
	if got := percentile(sorted, 1); got != 5 {
		t.Errorf("p100 = %v, want 5", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
}

func TestSeedReferences(t *testing.T) {
	claims := []LabelledClaim{
		{ClaimID: "c-1", MemberID: "m-1", ProviderID: "p-1"},
		{ClaimID: "c-2", MemberID: "m-2", ProviderID: "p-1"},
		{ClaimID: "c-3", MemberID: "m-1", ProviderID: "p-2"},
	}

	var (
		mu  sync.Mutex
		got []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Tenant-ID") != "replay" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, r.URL.Path+" "+body.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	members, providers, err := seedReferences(context.Background(), srv.Client(), srv.URL, "replay", claims, 2)
	if err != nil {
		t.Fatalf("seedReferences failed: %v", err)
	}
	if members != 2 || providers != 2 {
		t.Errorf("expected 2 members and 2 providers, got %d and %d", members, providers)
	}

	sort.Strings(got)
	want := []string{"/members m-1", "/members m-2", "/providers p-1", "/providers p-2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("registered %v, want %v", got, want)
	}
}

func TestSeedReferencesRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	claims := []LabelledClaim{{ClaimID: "c-1", MemberID: "m-1", ProviderID: "p-1"}}
	if _, _, err := seedReferences(context.Background(), srv.Client(), srv.URL, "replay", claims, 1); err == nil {
		t.Error("expected an error when registration is rejected")
	}
}
