package solana

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRandomEndpoint_ConfiguredList(t *testing.T) {
	// SOLANA_RPC_URL entries keep their API keys in the URL.
	endpoints := []string{
		"https://mainnet.helius-rpc.com/?api-key=one",
		"https://example.quiknode.pro/two/",
	}

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		selected, err := SelectRandomEndpoint(endpoints)
		require.NoError(t, err)
		require.Contains(t, endpoints, selected)
		seen[selected] = true
	}
	assert.Len(t, seen, 2)

	_, err := SelectRandomEndpoint(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no RPC endpoints configured")
}

func TestRPCClient_GetSignaturesForAddress(t *testing.T) {
	address := solanago.NewWallet().PublicKey()
	sig := solanago.Signature{1, 2, 3}
	before := solanago.Signature{9, 9, 9}

	var gotMethod string
	var gotParams []json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotMethod = req.Method
		gotParams = req.Params

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": []map[string]interface{}{
				{"signature": sig.String(), "slot": 42, "err": nil, "memo": nil, "blockTime": 1700000000},
			},
		})
	}))
	defer srv.Close()

	limit := 5
	client := NewRPCClient(srv.URL)
	out, err := client.GetSignaturesForAddress(t.Context(), address, &rpc.GetSignaturesForAddressOpts{
		Limit:  &limit,
		Before: before,
	})

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, sig, out[0].Signature)
	assert.EqualValues(t, 42, out[0].Slot)

	assert.Equal(t, "getSignaturesForAddress", gotMethod)
	require.Len(t, gotParams, 2)
	assert.JSONEq(t, `"`+address.String()+`"`, string(gotParams[0]))

	var opts map[string]interface{}
	require.NoError(t, json.Unmarshal(gotParams[1], &opts))
	assert.EqualValues(t, 5, opts["limit"])
	assert.Equal(t, before.String(), opts["before"])
}
