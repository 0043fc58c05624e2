package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/infographic/internal/ledger"
	"github.com/dukerupert/infographic/internal/model"
	"github.com/dukerupert/infographic/internal/store"
)

type fakeArchiver struct {
	calls     int
	discarded []string
	// mirroring runs inside MirrorAll, standing in for work that races
	// with the upload.
	mirroring func()
}

func (f *fakeArchiver) Discard(_ context.Context, urls []string) {
	f.discarded = append(f.discarded, urls...)
}

func (f *fakeArchiver) MirrorAll(_ context.Context, urls []string) []string {
	f.calls++
	if f.mirroring != nil {
		f.mirroring()
	}
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = strings.Replace(u, "https://provider.test/", "https://archive.test/", 1)
	}
	return out
}

func recordBody() map[string]any {
	return map[string]any{
		"prompt":    "A timeline of the moon landing",
		"category":  "history",
		"numImages": 1,
		"imageUrls": []string{"https://provider.test/img1.png"},
		"imageSize": "2K",
		"style":     "retro",
	}
}

func TestRecordGeneration(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "rec@example.com", 2)
	gs := store.NewGenerationStore(db)
	h := NewGenerationHandler(ledger.New(db, slog.Default()), gs, nil, slog.Default())

	rec := httptest.NewRecorder()
	h.Record(rec, withUser(jsonRequest(t, http.MethodPost, "/api/record-generation", recordBody()), u.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["success"] != true {
		t.Errorf("success = %v", out["success"])
	}
	if out["remainingCredits"] != float64(1) {
		t.Errorf("remainingCredits = %v, want 1", out["remainingCredits"])
	}

	id := int64(out["generationId"].(float64))
	g, err := gs.GetByID(context.Background(), id)
	if err != nil || g == nil {
		t.Fatalf("generation not stored: %v", err)
	}
	if g.UserID != u.ID || g.CreditsUsed != 1 || g.Prompt != "A timeline of the moon landing" {
		t.Errorf("generation = %+v", g)
	}
	if len(g.ImageURLs) != 1 || g.ImageURLs[0] != "https://provider.test/img1.png" {
		t.Errorf("image_urls = %v", g.ImageURLs)
	}
}

func TestRecordGenerationInsufficientCredits(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "broke@example.com", 0)
	gs := store.NewGenerationStore(db)
	archiver := &fakeArchiver{}
	h := NewGenerationHandler(ledger.New(db, slog.Default()), gs, archiver, slog.Default())

	rec := httptest.NewRecorder()
	h.Record(rec, withUser(jsonRequest(t, http.MethodPost, "/api/record-generation", recordBody()), u.ID))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if archiver.calls != 0 {
		t.Error("images should not be archived when the user cannot pay")
	}
	n, err := gs.CountByUser(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("generations = %d, want 0", n)
	}
}

func TestRecordGenerationArchivesImages(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "arch@example.com", 1)
	gs := store.NewGenerationStore(db)
	archiver := &fakeArchiver{}
	h := NewGenerationHandler(ledger.New(db, slog.Default()), gs, archiver, slog.Default())

	rec := httptest.NewRecorder()
	h.Record(rec, withUser(jsonRequest(t, http.MethodPost, "/", recordBody()), u.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if archiver.calls != 1 {
		t.Errorf("archiver calls = %d, want 1", archiver.calls)
	}
	gens, _ := gs.ListByUser(context.Background(), u.ID, 10)
	if len(gens) != 1 || gens[0].ImageURLs[0] != "https://archive.test/img1.png" {
		t.Errorf("stored urls = %+v", gens)
	}
}

func TestRecordGenerationDiscardsArchiveWhenChargeFails(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "late@example.com", 1)
	gs := store.NewGenerationStore(db)
	l := ledger.New(db, slog.Default())
	archiver := &fakeArchiver{}
	archiver.mirroring = func() {
		// Another request spends the last credit while images upload.
		if _, err := l.Deduct(context.Background(), u.ID, 1); err != nil {
			t.Errorf("concurrent deduct: %v", err)
		}
	}
	h := NewGenerationHandler(l, gs, archiver, slog.Default())

	rec := httptest.NewRecorder()
	h.Record(rec, withUser(jsonRequest(t, http.MethodPost, "/", recordBody()), u.ID))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 (%s)", rec.Code, rec.Body.String())
	}
	if len(archiver.discarded) != 1 || archiver.discarded[0] != "https://archive.test/img1.png" {
		t.Errorf("discarded = %v, want the archived copy", archiver.discarded)
	}
	if n, _ := gs.CountByUser(context.Background(), u.ID); n != 0 {
		t.Errorf("generations = %d, want 0", n)
	}
}

func TestRecordGenerationValidation(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "val@example.com", 5)
	h := NewGenerationHandler(ledger.New(db, slog.Default()), store.NewGenerationStore(db), nil, slog.Default())

	tests := []map[string]any{
		{"imageUrls": []string{"https://provider.test/a.png"}},
		{"prompt": "p"},
		{"prompt": "p", "imageUrls": []string{}},
		{"prompt": "p", "imageUrls": []string{"not a url"}},
	}
	for _, body := range tests {
		rec := httptest.NewRecorder()
		h.Record(rec, withUser(jsonRequest(t, http.MethodPost, "/", body), u.ID))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestListGenerations(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "list@example.com", 0)
	other := createUser(t, db, "other@example.com", 0)
	gs := store.NewGenerationStore(db)
	ctx := context.Background()
	for i := range 3 {
		if _, err := gs.Create(ctx, &model.Generation{UserID: u.ID, Prompt: fmt.Sprintf("p%d", i), ImageURLs: []string{"https://x.test/a.png"}, CreditsUsed: 1}); err != nil {
			t.Fatalf("create generation: %v", err)
		}
	}
	gs.Create(ctx, &model.Generation{UserID: other.ID, Prompt: "theirs", ImageURLs: []string{}, CreditsUsed: 1})

	h := NewGenerationHandler(ledger.New(db, slog.Default()), gs, nil, slog.Default())

	rec := httptest.NewRecorder()
	h.List(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/user/generations?limit=2", nil), u.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	gens, _ := decodeBody(t, rec)["generations"].([]any)
	if len(gens) != 2 {
		t.Fatalf("generations = %d, want 2", len(gens))
	}
	first, _ := gens[0].(map[string]any)
	if first["prompt"] != "p2" {
		t.Errorf("first prompt = %v, want newest (p2)", first["prompt"])
	}

	for _, q := range []string{"0", "-1", "abc"} {
		rec := httptest.NewRecorder()
		h.List(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/user/generations?limit="+q, nil), u.ID))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestCreditsBalance(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "bal@example.com", 2)
	l := ledger.New(db, slog.Default())
	if _, _, err := l.Credit(context.Background(), ledger.CreditParams{UserID: u.ID, Credits: 10, ProductName: "Starter", StripeSessionID: "cs_bal"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	h := NewCreditsHandler(l, slog.Default())

	rec := httptest.NewRecorder()
	h.Get(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/user/credits", nil), u.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["paidCredits"] != float64(10) || out["freeCredits"] != float64(2) || out["total"] != float64(12) {
		t.Errorf("balance = %v, want paid 10 free 2 total 12", out)
	}

	rec = httptest.NewRecorder()
	h.Get(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/user/credits", nil), 9999))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown user: status = %d, want 401", rec.Code)
	}
}
