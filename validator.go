package apptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/hashicorp/go-multierror"
	"github.com/pmezard/go-difflib/difflib"
)

// ExpectedResponse describes the assertions to run against an actual
// Response. Nil or empty fields are skipped.
type ExpectedResponse struct {
	StatusCode      *int
	Status          *string
	Headers         http.Header // every listed value must be present
	Body            *string     // exact body match
	BodyContains    []string
	BodyNotContains []string
	JSONPaths       map[string]any // jsonpath expression -> expected value
}

// ValidateResponse compares actual against expected and returns all
// mismatches aggregated into one error, or nil when every check passes.
// Body checks drain the response body.
func ValidateResponse(actual *Response, expected *ExpectedResponse) error {
	if actual == nil {
		return fmt.Errorf("no response to validate")
	}
	var errs *multierror.Error
	errs = validateStatus(actual, expected, errs)
	errs = validateHeaders(actual, expected, errs)
	errs = validateBody(actual, expected, errs)
	errs = validateJSONPaths(actual, expected, errs)
	return errs.ErrorOrNil()
}

func validateStatus(actual *Response, expected *ExpectedResponse, errs *multierror.Error) *multierror.Error {
	if expected.StatusCode != nil && actual.StatusCode != *expected.StatusCode {
		errs = multierror.Append(errs, fmt.Errorf(
			"status code mismatch: expected %d, got %d", *expected.StatusCode, actual.StatusCode))
	}
	if expected.Status != nil && actual.Status != *expected.Status {
		errs = multierror.Append(errs, fmt.Errorf(
			"status line mismatch: expected %q, got %q", *expected.Status, actual.Status))
	}
	return errs
}

func validateHeaders(actual *Response, expected *ExpectedResponse, errs *multierror.Error) *multierror.Error {
	for key, wantValues := range expected.Headers {
		gotValues := actual.Header.Values(key)
		for _, want := range wantValues {
			found := false
			for _, got := range gotValues {
				if got == want {
					found = true
					break
				}
			}
			if !found {
				errs = multierror.Append(errs, fmt.Errorf(
					"header %q: expected value %q not found in %v", key, want, gotValues))
			}
		}
	}
	return errs
}

func validateBody(actual *Response, expected *ExpectedResponse, errs *multierror.Error) *multierror.Error {
	if expected.Body == nil && len(expected.BodyContains) == 0 && len(expected.BodyNotContains) == 0 {
		return errs
	}
	body := actual.Text()
	if expected.Body != nil && body != *expected.Body {
		diff := difflib.UnifiedDiff{
			A:        difflib.SplitLines(*expected.Body),
			B:        difflib.SplitLines(body),
			FromFile: "Expected body",
			ToFile:   "Actual body",
			Context:  3,
		}
		diffText, _ := difflib.GetUnifiedDiffString(diff)
		errs = multierror.Append(errs, fmt.Errorf("body mismatch:\n%s", diffText))
	}
	for _, want := range expected.BodyContains {
		if !strings.Contains(body, want) {
			errs = multierror.Append(errs, fmt.Errorf("body does not contain %q", want))
		}
	}
	for _, banned := range expected.BodyNotContains {
		if strings.Contains(body, banned) {
			errs = multierror.Append(errs, fmt.Errorf("body unexpectedly contains %q", banned))
		}
	}
	return errs
}

func validateJSONPaths(actual *Response, expected *ExpectedResponse, errs *multierror.Error) *multierror.Error {
	if len(expected.JSONPaths) == 0 {
		return errs
	}
	var document any
	if err := json.Unmarshal(actual.Bytes(), &document); err != nil {
		return multierror.Append(errs, fmt.Errorf("body is not valid JSON: %w", err))
	}
	for path, want := range expected.JSONPaths {
		got, err := jsonpath.Get(path, document)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("jsonpath %q: %w", path, err))
			continue
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			errs = multierror.Append(errs, fmt.Errorf(
				"jsonpath %q: expected %v, got %v", path, want, got))
		}
	}
	return errs
}
