package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestClientListCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		assert.Equal(t, "Swap", r.URL.Query().Get("type"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "2026-01-01T00:00:00Z", r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transactions": []map[string]interface{}{
				{
					"signature":              "sigA",
					"transaction_type":       "Swap",
					"timestamp":              "2026-01-02T00:00:00Z",
					"tracked_asset_amount":   "100",
					"reference_asset_amount": "2.5",
					"other_asset_amount":     "0",
					"referral_fee_amount":    "0",
					"fee":                    "0.000005",
					"protocols":              []string{"Jupiter"},
					"intermediate_hops":      []interface{}{},
					"success":                true,
				},
			},
			"count":  1,
			"total":  1,
			"limit":  5,
			"offset": 0,
		})
	}))
	defer server.Close()

	err := newApp().Run([]string{
		"tokenledger", "--server-url", server.URL,
		"client", "list", "--type", "Swap", "--limit", "5", "--since", "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
}

func TestClientListCommand_InvalidType(t *testing.T) {
	err := newApp().Run([]string{"tokenledger", "client", "list", "--type", "swap-ish"})
	assert.Error(t, err)
}

func TestClientGetCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "transaction not found"})
	}))
	defer server.Close()

	err := newApp().Run([]string{"tokenledger", "--server-url", server.URL, "client", "get", "sigA"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction not found")
}

func TestClientScheduleCommand(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/schedules/"+testAddress, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := newApp().Run([]string{
		"tokenledger", "--server-url", server.URL,
		"client", "schedule", "--interval", "30m", "--target", "50", testAddress,
	})
	require.NoError(t, err)
	assert.Equal(t, "30m0s", body["interval"])
	assert.EqualValues(t, 50, body["target"])
	assert.NotContains(t, body, "use_history")
}

func TestClientUnscheduleCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := newApp().Run([]string{"tokenledger", "--server-url", server.URL, "client", "unschedule", testAddress})
	require.NoError(t, err)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"event: connected",
		`data: {"subject":"ledger.*"}`,
		"",
		": keepalive",
		"",
		"event: transaction",
		`data: {"signature":"sigA"}`,
		"",
		"",
	}, "\n")

	var events []string
	err := readSSE(strings.NewReader(stream), func(event, data string) error {
		events = append(events, event+" "+data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`connected {"subject":"ledger.*"}`,
		`transaction {"signature":"sigA"}`,
	}, events)
}

func TestHandleSSEEvent(t *testing.T) {
	event := `{"signature":"sigA","transaction_type":"Swap","timestamp":"2026-01-02T00:00:00Z","tracked_asset_amount":"100","reference_asset_amount":"2.5","inserted":true}`

	t.Run("json output passes data through", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, handleSSEEvent(&buf, "transaction", event, true))
		assert.JSONEq(t, event, buf.String())
	})

	t.Run("human output", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, handleSSEEvent(&buf, "transaction", event, false))
		assert.Contains(t, buf.String(), "new Swap sigA tracked=100 reference=2.5")
	})

	t.Run("server error", func(t *testing.T) {
		var buf bytes.Buffer
		err := handleSSEEvent(&buf, "error", `{"error":"failed to subscribe"}`, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to subscribe")
	})

	t.Run("unknown events are ignored", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, handleSSEEvent(&buf, "ping", `{}`, false))
		assert.Empty(t, buf.String())
	})
}
