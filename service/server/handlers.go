package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/tokenledger/service/db"
	"github.com/brojonat/tokenledger/service/ledger"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxRequestBodySize = 1 << 16
	maxAddressLength   = 100 // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 100 // signatures are 87-88 chars
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid Solana base58 characters (no 0, O, I, l)
	validBase58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleGetTransaction returns a handler that retrieves one ledger record,
// raw payload included.
// GET /api/v1/transactions/{signature}
func handleGetTransaction(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")

		if err := validateSignature(signature); err != nil {
			logger.Debug("invalid signature", "signature", signature, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec, err := store.GetTransaction(r.Context(), signature)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transaction", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, rec, http.StatusOK)
	})
}

// handleTransactionExists answers whether a record is stored without
// loading it. The status code is the answer.
// HEAD /api/v1/transactions/{signature}
func handleTransactionExists(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		exists, err := store.TransactionExists(r.Context(), signature)
		if err != nil {
			logger.Error("failed to check transaction", "signature", signature, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists ledger records, newest
// first. Raw payloads are omitted unless include_raw=true.
// GET /api/v1/transactions?type=Swap&since=RFC3339&until=RFC3339&limit=N&offset=N
func handleListTransactions(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, includeRaw, err := parseListParams(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, err := store.ListTransactions(r.Context(), params)
		if err != nil {
			logger.Error("failed to list transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		total, err := store.CountTransactions(r.Context(), params)
		if err != nil {
			logger.Error("failed to count transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if !includeRaw {
			for _, rec := range records {
				rec.RawPayload = nil
			}
		}
		if records == nil {
			records = []*db.StoredRecord{}
		}

		logger.Debug("transactions listed", "count", len(records), "total", total)

		writeJSON(w, map[string]interface{}{
			"transactions": records,
			"count":        len(records),
			"total":        total,
			"limit":        params.Limit,
			"offset":       params.Offset,
		}, http.StatusOK)
	})
}

func parseListParams(r *http.Request) (db.ListTransactionsParams, bool, error) {
	query := r.URL.Query()
	params := db.ListTransactionsParams{Limit: defaultListLimit}

	if raw := query.Get("type"); raw != "" {
		t, err := parseTypeParam(raw)
		if err != nil {
			return params, false, err
		}
		params.Type = &t
	}

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &params.Since},
		{"until", &params.Until},
	} {
		raw := query.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := parseTimeParam(raw)
		if err != nil {
			return params, false, errorf("invalid %s parameter: must be RFC3339 or unix seconds", bound.name)
		}
		*bound.dst = &ts
	}
	if params.Since != nil && params.Until != nil && !params.Until.After(*params.Since) {
		return params, false, errorf("until must be after since")
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return params, false, errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return params, false, errorf("limit must be at least 1")
		}
		if limit > maxListLimit {
			return params, false, errorf("limit cannot exceed %d", maxListLimit)
		}
		params.Limit = int32(limit)
	}

	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return params, false, errorf("invalid offset parameter: must be an integer")
		}
		if offset < 0 {
			return params, false, errorf("offset cannot be negative")
		}
		params.Offset = int32(offset)
	}

	includeRaw := false
	if raw := query.Get("include_raw"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return params, false, errorf("invalid include_raw parameter: must be a boolean")
		}
		includeRaw = b
	}

	return params, includeRaw, nil
}

// parseTypeParam accepts the canonical type names in any case.
func parseTypeParam(raw string) (ledger.Type, error) {
	for _, t := range []ledger.Type{ledger.TypeTransfer, ledger.TypeSwap, ledger.TypeMultiSwap} {
		if strings.EqualFold(raw, string(t)) {
			return t, nil
		}
	}
	return "", errorf("invalid type: must be one of Transfer, Swap, MultiSwap")
}

func parseTimeParam(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func validateBase58(kind, value string, maxLen int) error {
	if value == "" {
		return errorf("%s is required", kind)
	}

	if len(value) > maxLen {
		return errorf("%s too long: maximum length is %d characters", kind, maxLen)
	}

	for _, r := range value {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in %s: control characters not allowed", kind)
		}
	}

	if !validBase58Regex.MatchString(value) {
		return errorf("invalid %s format: must contain only valid base58 characters", kind)
	}
	return nil
}

// validateSignature validates a transaction signature path parameter.
func validateSignature(signature string) error {
	if err := validateBase58("signature", signature, maxSignatureLength); err != nil {
		return err
	}
	if _, err := solanago.SignatureFromBase58(signature); err != nil {
		return errorf("invalid signature: %v", err)
	}
	return nil
}

// validateAddress validates an account address.
func validateAddress(address string) error {
	if err := validateBase58("address", address, maxAddressLength); err != nil {
		return err
	}
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid address: %v", err)
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
