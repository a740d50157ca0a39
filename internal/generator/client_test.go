package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/local/clank/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*RestyClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewRestyClient(config.GeneratorConfig{BaseURL: srv.URL, TimeoutSeconds: 2}, config.CacheConfig{}, zerolog.Nop())
	return c, srv
}

func TestListModels_CachesResult(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
			Name string `json:"name"`
		}{{Name: "llama3"}}})
	})

	ctx := context.Background()
	models, err := c.ListModels(ctx)
	if err != nil || len(models) != 1 || models[0] != "llama3" {
		t.Fatalf("ListModels: %v %v", models, err)
	}
	if _, err := c.ListModels(ctx); err != nil {
		t.Fatalf("second ListModels: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected catalog cache to avoid a second HTTP call, got %d calls", calls)
	}
}

func TestValidateStartupModel_MissingModelInvalidatesCache(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
			Name string `json:"name"`
		}{{Name: "llama3"}}})
	})

	err := c.ValidateStartupModel(context.Background(), "mistral")
	if !errors.Is(err, ErrNoDefaultModel) {
		t.Fatalf("expected ErrNoDefaultModel, got %v", err)
	}
	if _, ok := c.catalog.get(); ok {
		t.Fatal("expected catalog to be invalidated after a failed validation")
	}
}

func TestValidateStartupModel_PresentModelSucceeds(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
			Name string `json:"name"`
		}{{Name: "llama3"}}})
	})

	if err := c.ValidateStartupModel(context.Background(), "llama3"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestGenerateResponse_MapsServerErrorToUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, res := c.GenerateResponse(context.Background(), "llama3", nil, "alice", "hi", 500)
	if res != ResultUnavailable {
		t.Fatalf("expected ResultUnavailable, got %v", res)
	}
}

func TestGenerateSpontaneous_EmptyResponseIsInvalid(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "   "})
	})

	_, res := c.GenerateSpontaneous(context.Background(), "llama3", nil, 500)
	if res != ResultInvalid {
		t.Fatalf("expected ResultInvalid, got %v", res)
	}
}

func TestGenerateResponse_SuccessReturnsPostProcessedText(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "  hello\nthere  "})
	})

	text, res := c.GenerateResponse(context.Background(), "llama3", nil, "alice", "hi", 500)
	if res != ResultOK {
		t.Fatalf("expected ResultOK, got %v", res)
	}
	if text != "hello there" {
		t.Fatalf("got %q", text)
	}
}

func TestIsAvailable_FalseOnUnreachableServer(t *testing.T) {
	c := NewRestyClient(config.GeneratorConfig{BaseURL: "http://127.0.0.1:1", TimeoutSeconds: 1}, config.CacheConfig{}, zerolog.Nop())
	if c.IsAvailable(context.Background()) {
		t.Fatal("expected IsAvailable to be false for an unreachable backend")
	}
}
