package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "test-token",
		WithRetryMax(2), WithRetryWait(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	return c, srv
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "tok")
	assert.Error(t, err)

	_, err = NewClient("ftp://host", "tok")
	assert.Error(t, err)

	c, err := NewClient("https://api.molforge.io/", "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://api.molforge.io", c.baseURL)
}

func TestDo_SetsHeaders(t *testing.T) {
	var gotAuth, gotRequestID string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.get(context.Background(), "/probe", nil))
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.NotEmpty(t, gotRequestID)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.get(context.Background(), "/probe", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "VAL_001",
			"message": "structure does not parse",
		})
	}))

	err := c.get(context.Background(), "/probe", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "VAL_001", apiErr.Code)
	assert.True(t, apiErr.IsClientError())
	assert.False(t, apiErr.IsServerError())
}

func TestMolecules_Register(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/molecules", r.URL.Path)

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "CCO", req.SMILES)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RegisterResult{
			Molecule: &Molecule{ContentHash: "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", SMILES: "CCO"},
			Created:  true,
		})
	}))

	result, err := c.Molecules().Register(context.Background(), RegisterRequest{SMILES: "CCO"})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", result.Molecule.ContentHash)
}

func TestMolecules_ListEncodesFilter(t *testing.T) {
	var gotQuery string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(Page[*Molecule]{})
	}))

	min := -1.0
	_, err := c.Molecules().List(context.Background(), ListMoleculesQuery{
		States:      []string{"validated", "prediction_ready"},
		Property:    "logP",
		PropertyMin: &min,
		Page:        PageQuery{Limit: 25, Cursor: "abc"},
	})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "states=validated%2Cprediction_ready")
	assert.Contains(t, gotQuery, "property=logP")
	assert.Contains(t, gotQuery, "property_min=-1")
	assert.Contains(t, gotQuery, "limit=25")
	assert.Contains(t, gotQuery, "cursor=abc")
}

func TestUploads_WaitForCompletion(t *testing.T) {
	var polls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Upload{ID: "u-1", Status: status})
	}))

	u, err := c.Uploads().WaitForCompletion(context.Background(), "u-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", u.Status)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestPredictions_Stats(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/predictions/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]map[string]int64{
			"counts": {"queued": 2, "succeeded": 5},
		})
	}))

	counts, err := c.Predictions().Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["queued"])
}

func TestLifecycle_PostEventConflict(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "MOL_006",
			"message": "lifecycle transition not permitted",
		})
	}))

	err := c.Lifecycle().PostEvent(context.Background(), LifecycleEvent{
		Kind:        "results_recorded",
		ContentHash: "LFQSCWFLJHTTHZ-UHFFFAOYSA-N",
	})
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "MOL_006", apiErr.Code)
}
