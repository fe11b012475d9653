package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// wantJSON reports whether the command should print JSON.
func wantJSON(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// printJSON writes v as indented JSON, filtered through --jq when set.
func printJSON(c *cli.Context, v interface{}) error {
	return writeJSON(os.Stdout, v, c.String("jq"))
}

func writeJSON(w io.Writer, v interface{}, filter string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if filter == "" {
		return enc.Encode(v)
	}

	code, err := compileJQ(filter)
	if err != nil {
		return err
	}

	// gojq only walks plain JSON values, so round trip through encoding/json.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to decode output: %w", err)
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter error: %w", err)
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
}

func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// matchesJQ reports whether filter yields a truthy first result for v.
func matchesJQ(code *gojq.Code, v interface{}) bool {
	iter := code.Run(v)
	result, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := result.(error); isErr {
		return false
	}
	return isTruthy(result)
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
