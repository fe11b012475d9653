package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brojonat/tokenledger/service/ledger"
)

// Report accounts for every signature an ingestion pass touched. Nothing is
// dropped silently: a signature that did not become a stored record shows up
// in Missing, NormalizationErrors or WriteErrors, or the pass stopped early
// and FetchErr says why.
type Report struct {
	Address   string
	Requested int
	Skipped   int
	Fetched   int
	Inserted  int
	Updated   int

	Signatures          []string
	Missing             []string
	NormalizationErrors []*ledger.NormalizationError
	WriteErrors         []*WriteError
	FetchErr            error
}

// Written is the number of records inserted or updated.
func (r *Report) Written() int {
	return r.Inserted + r.Updated
}

// Dropped is the number of fetched or requested signatures with no stored record.
func (r *Report) Dropped() int {
	return len(r.Missing) + len(r.NormalizationErrors) + len(r.WriteErrors)
}

// Summary is a one line description for console output.
func (r *Report) Summary() string {
	return fmt.Sprintf("requested=%d skipped=%d fetched=%d inserted=%d updated=%d missing=%d normalization_errors=%d write_errors=%d",
		r.Requested, r.Skipped, r.Fetched, r.Inserted, r.Updated,
		len(r.Missing), len(r.NormalizationErrors), len(r.WriteErrors))
}

// Err summarizes everything that went wrong, or nil for a clean pass.
func (r *Report) Err() error {
	var errs []error
	if r.FetchErr != nil {
		errs = append(errs, r.FetchErr)
	}
	if len(r.Missing) > 0 {
		errs = append(errs, fmt.Errorf("%d signatures missing from indexer", len(r.Missing)))
	}
	if len(r.NormalizationErrors) > 0 {
		errs = append(errs, fmt.Errorf("%d transactions failed normalization", len(r.NormalizationErrors)))
	}
	if len(r.WriteErrors) > 0 {
		errs = append(errs, fmt.Errorf("%d records failed to store", len(r.WriteErrors)))
	}
	return errors.Join(errs...)
}

type failureJSON struct {
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

// MarshalJSON renders errors as strings for console and API output.
func (r *Report) MarshalJSON() ([]byte, error) {
	out := struct {
		Address             string        `json:"address,omitempty"`
		Requested           int           `json:"requested"`
		Skipped             int           `json:"skipped"`
		Fetched             int           `json:"fetched"`
		Inserted            int           `json:"inserted"`
		Updated             int           `json:"updated"`
		Missing             []string      `json:"missing"`
		NormalizationErrors []failureJSON `json:"normalization_errors"`
		WriteErrors         []failureJSON `json:"write_errors"`
		FetchError          string        `json:"fetch_error,omitempty"`
	}{
		Address:             r.Address,
		Requested:           r.Requested,
		Skipped:             r.Skipped,
		Fetched:             r.Fetched,
		Inserted:            r.Inserted,
		Updated:             r.Updated,
		Missing:             r.Missing,
		NormalizationErrors: make([]failureJSON, 0, len(r.NormalizationErrors)),
		WriteErrors:         make([]failureJSON, 0, len(r.WriteErrors)),
	}
	if out.Missing == nil {
		out.Missing = []string{}
	}
	for _, e := range r.NormalizationErrors {
		out.NormalizationErrors = append(out.NormalizationErrors, failureJSON{Signature: e.Signature, Error: e.Err.Error()})
	}
	for _, e := range r.WriteErrors {
		out.WriteErrors = append(out.WriteErrors, failureJSON{Signature: e.Signature, Error: e.Err.Error()})
	}
	if r.FetchErr != nil {
		out.FetchError = r.FetchErr.Error()
	}
	return json.Marshal(out)
}
