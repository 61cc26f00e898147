package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/api"
	"github.com/fleetpay/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := api.NewRouter(api.NewHandler(store), []string{"http://localhost"})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// do sends a JSON request and decodes the JSON response into out (when the
// response has a body and out is non-nil).
func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createWeek(t *testing.T, srv *httptest.Server, start, end string) map[string]any {
	t.Helper()
	var week map[string]any
	resp := do(t, srv, http.MethodPost, "/api/weeks", map[string]any{
		"start_date": start,
		"end_date":   end,
	}, &week)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return week
}

func createCourier(t *testing.T, srv *httptest.Server, shortName string) map[string]any {
	t.Helper()
	var courier map[string]any
	resp := do(t, srv, http.MethodPost, "/api/couriers", map[string]any{
		"short_name": shortName,
		"category":   "SEMANAL",
	}, &courier)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return courier
}

// =============================================================================
// FULL WEEK LIFECYCLE OVER HTTP
// =============================================================================

func TestAPI_WeekLifecycle(t *testing.T) {
	// GIVEN: A week, a courier, an ingested batch and a vale
	// WHEN: Driving compute -> close -> pay over the API
	// THEN: Statuses, payout numbers and the freeze all hold

	srv := newTestServer(t)
	week := createWeek(t, srv, "2025-03-03", "2025-03-09")
	weekID := week["id"].(string)
	courier := createCourier(t, srv, "João")
	courierID := courier["id"].(string)

	// Ingest two matched rides.
	var imported map[string]any
	resp := do(t, srv, http.MethodPost, "/api/imports", map[string]any{
		"source":    "SAIPOS",
		"filename":  "saipos.xlsx",
		"file_hash": "hash-1",
		"rows": []map[string]any{
			{"external_id": "ord-1", "order_dt": "2025-03-03T12:00:00Z", "courier_name": "joao", "value": "10.00"},
			{"external_id": "ord-2", "order_dt": "2025-03-04T12:00:00Z", "courier_name": "joão", "value": "6.00"},
		},
	}, &imported)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(2), imported["inserted"])

	// Add a vale.
	resp = do(t, srv, http.MethodPost, "/api/ledger", map[string]any{
		"courier_id":     courierID,
		"week_id":        weekID,
		"effective_date": "2025-03-05",
		"type":           "VALE",
		"amount":         "5.00",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Compute.
	var payouts []map[string]any
	resp = do(t, srv, http.MethodPost, "/api/weeks/"+weekID+"/compute", nil, &payouts)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payouts, 1)
	assert.Equal(t, "11", payouts[0]["net_amount"])

	// Close, then pay.
	resp = do(t, srv, http.MethodPost, "/api/weeks/"+weekID+"/close", nil, &payouts)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/weeks/"+weekID+"/pay", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var got map[string]any
	resp = do(t, srv, http.MethodGet, "/api/weeks/"+weekID, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAID", got["status"])

	// Paying again is a conflict.
	resp = do(t, srv, http.MethodPost, "/api/weeks/"+weekID+"/pay", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Recomputing a paid week is a conflict too (frozen snapshots).
	resp = do(t, srv, http.MethodPost, "/api/weeks/"+weekID+"/compute", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_AssignmentQueue(t *testing.T) {
	srv := newTestServer(t)
	createWeek(t, srv, "2025-03-03", "2025-03-09")
	courier := createCourier(t, srv, "Maria")
	courierID := courier["id"].(string)

	resp := do(t, srv, http.MethodPost, "/api/imports", map[string]any{
		"source":    "SAIPOS",
		"filename":  "saipos.xlsx",
		"file_hash": "hash-1",
		"rows": []map[string]any{
			{"external_id": "ord-1", "order_dt": "2025-03-03T12:00:00Z", "courier_name": "Stranger", "value": "6.00"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var queue []map[string]any
	resp = do(t, srv, http.MethodGet, "/api/pendings/assignment", nil, &queue)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, queue, 1)
	assert.Equal(t, "NOME_NAO_CADASTRADO", queue[0]["pending_reason"])

	rideID := queue[0]["id"].(string)
	var assigned map[string]any
	resp = do(t, srv, http.MethodPost, "/api/pendings/assignment/"+rideID,
		map[string]any{"courier_id": courierID}, &assigned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", assigned["status"])
	assert.Equal(t, courierID, assigned["courier_id"])

	// Assigning a settled ride is a conflict.
	resp = do(t, srv, http.MethodPost, "/api/pendings/assignment/"+rideID,
		map[string]any{"courier_id": courierID}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_LoanEndpoints(t *testing.T) {
	srv := newTestServer(t)
	courier := createCourier(t, srv, "Pedro")
	courierID := courier["id"].(string)

	var plan map[string]any
	resp := do(t, srv, http.MethodPost, "/api/loans", map[string]any{
		"courier_id":     courierID,
		"total_amount":   "100.00",
		"n_installments": 3,
		"rounding":       "CENT",
	}, &plan)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	planID := plan["id"].(string)

	var installments []map[string]any
	resp = do(t, srv, http.MethodGet, "/api/loans/"+planID+"/installments", nil, &installments)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, installments, 3)
	assert.Equal(t, "33.34", installments[2]["amount"])

	resp = do(t, srv, http.MethodPost, "/api/loans/"+planID+"/pause", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Pausing twice fails validation.
	resp = do(t, srv, http.MethodPost, "/api/loans/"+planID+"/pause", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/loans/"+planID+"/resume", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	createWeek(t, srv, "2025-03-03", "2025-03-09")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown week", http.MethodGet, "/api/weeks/ghost", nil, http.StatusNotFound},
		{"unknown courier", http.MethodGet, "/api/couriers/ghost", nil, http.StatusNotFound},
		{"overlapping week", http.MethodPost, "/api/weeks",
			map[string]any{"start_date": "2025-03-05", "end_date": "2025-03-11"}, http.StatusConflict},
		{"bad date format", http.MethodPost, "/api/weeks",
			map[string]any{"start_date": "05/03/2025", "end_date": "2025-03-11"}, http.StatusBadRequest},
		{"unknown source", http.MethodPost, "/api/imports",
			map[string]any{"source": "IFOOD", "filename": "x", "file_hash": "h", "rows": []any{}}, http.StatusBadRequest},
		{"uncovered date", http.MethodPost, "/api/imports",
			map[string]any{"source": "SAIPOS", "filename": "x", "file_hash": "h", "rows": []map[string]any{
				{"external_id": "o", "order_dt": "2025-06-01T12:00:00Z", "courier_name": "x", "value": "6.00"},
			}}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		var errResp api.ErrorResponse
		resp := do(t, srv, tc.method, tc.path, tc.body, &errResp)
		assert.Equal(t, tc.want, resp.StatusCode, "%s: %s", tc.name, errResp.Error)
		assert.NotEmpty(t, errResp.Error, tc.name)
	}
}

// =============================================================================
// DUPLICATE IMPORT OVER HTTP
// =============================================================================

func TestAPI_DuplicateImportIsOK(t *testing.T) {
	srv := newTestServer(t)
	createWeek(t, srv, "2025-03-03", "2025-03-09")
	createCourier(t, srv, "Ana")

	body := map[string]any{
		"source":    "SAIPOS",
		"filename":  "saipos.xlsx",
		"file_hash": "hash-1",
		"rows": []map[string]any{
			{"external_id": "ord-1", "order_dt": "2025-03-03T12:00:00Z", "courier_name": "ana", "value": "6.00"},
		},
	}

	resp := do(t, srv, http.MethodPost, "/api/imports", body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var second map[string]any
	resp = do(t, srv, http.MethodPost, "/api/imports", body, &second)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "duplicate file: 200, not 409")
	assert.Equal(t, true, second["already_processed"])
}

func TestAPI_RideFilters(t *testing.T) {
	srv := newTestServer(t)
	week := createWeek(t, srv, "2025-03-03", "2025-03-09")
	createCourier(t, srv, "Ana")

	resp := do(t, srv, http.MethodPost, "/api/imports", map[string]any{
		"source":    "SAIPOS",
		"filename":  "saipos.xlsx",
		"file_hash": "hash-1",
		"rows": []map[string]any{
			{"external_id": "ord-1", "order_dt": "2025-03-03T12:00:00Z", "courier_name": "ana", "value": "6.00"},
			{"external_id": "ord-2", "order_dt": "2025-03-04T12:00:00Z", "courier_name": "Ghost", "value": "6.00"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var rides []map[string]any
	path := fmt.Sprintf("/api/rides?week_id=%s&status=OK", week["id"].(string))
	resp = do(t, srv, http.MethodGet, path, nil, &rides)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rides, 1)
	assert.Equal(t, "ord-1", rides[0]["external_id"])
}
