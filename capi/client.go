// Package capi is the JSON client of the external competition API. All
// submission POSTs carry a client-chosen reference nonce; the server
// deduplicates on it, so a retried POST after a crash or timeout cannot
// double-submit.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// Client calls the competition API with basic-auth credentials.
type Client struct {
	BaseURL string
	KeyID   string
	Token   string

	// HTTP defaults to http.DefaultClient.
	HTTP *http.Client
}

type povRequest struct {
	Ref        string `json:"ref"`
	Sanitizer  string `json:"sanitizer"`
	FuzzerName string `json:"fuzzer_name"`
	Engine     string `json:"engine"`
	Testcase   []byte `json:"testcase"`
}

type patchRequest struct {
	Ref   string `json:"ref"`
	Patch string `json:"patch"`
}

type bundleRequest struct {
	PovID   string `json:"pov_id"`
	PatchID string `json:"patch_id"`
	SarifID string `json:"broadcast_sarif_id,omitempty"`
}

type sarifAssessment struct {
	Assessment  string `json:"assessment"`
	Description string `json:"description"`
}

type apiResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitPOV posts one crash input as a proof of vulnerability.
func (c *Client) SubmitPOV(ctx context.Context, taskID, ref string, crash *wire.Crash) (string, wire.SubmissionResult, error) {
	var testcase, err = os.ReadFile(crash.InputPath)
	if err != nil {
		return "", wire.ResultNone, ops.Terminal(fmt.Errorf("reading crash input: %w", err))
	}
	var resp apiResponse
	if err = c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/task/%s/pov", taskID), povRequest{
		Ref:        ref,
		Sanitizer:  crash.Target.Sanitizer,
		FuzzerName: crash.HarnessName,
		Engine:     crash.Target.Engine,
		Testcase:   testcase,
	}, &resp); err != nil {
		return "", wire.ResultNone, err
	}
	return resp.ID, c.parseStatus(resp.Status)
}

// POVStatus polls a submitted PoV.
func (c *Client) POVStatus(ctx context.Context, taskID, povID string) (wire.SubmissionResult, error) {
	var resp apiResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/task/%s/pov/%s", taskID, povID), nil, &resp); err != nil {
		return wire.ResultNone, err
	}
	return c.parseStatus(resp.Status)
}

// SubmitPatch posts one validated candidate patch.
func (c *Client) SubmitPatch(ctx context.Context, taskID, ref, diff string) (string, wire.SubmissionResult, error) {
	var resp apiResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/task/%s/patch", taskID),
		patchRequest{Ref: ref, Patch: diff}, &resp); err != nil {
		return "", wire.ResultNone, err
	}
	return resp.ID, c.parseStatus(resp.Status)
}

// PatchStatus polls a submitted patch.
func (c *Client) PatchStatus(ctx context.Context, taskID, patchID string) (wire.SubmissionResult, error) {
	var resp apiResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/task/%s/patch/%s", taskID, patchID), nil, &resp); err != nil {
		return wire.ResultNone, err
	}
	return c.parseStatus(resp.Status)
}

// CreateBundle links a passed PoV and patch; the server mints the bundle id.
func (c *Client) CreateBundle(ctx context.Context, taskID string, b *wire.BundleSubmission) (string, error) {
	var resp apiResponse
	var err = c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/task/%s/bundle", taskID), bundleRequest{
		PovID:   b.CompetitionPOVID,
		PatchID: b.CompetitionPatchID,
		SarifID: b.CompetitionSARIFID,
	}, &resp)
	return resp.ID, err
}

// UpdateBundle attaches later artifacts to an existing bundle.
func (c *Client) UpdateBundle(ctx context.Context, taskID string, b *wire.BundleSubmission) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/v1/task/%s/bundle/%s", taskID, b.BundleID), bundleRequest{
		PovID:   b.CompetitionPOVID,
		PatchID: b.CompetitionPatchID,
		SarifID: b.CompetitionSARIFID,
	}, nil)
}

// SubmitSARIFAssessment answers a broadcast SARIF report.
func (c *Client) SubmitSARIFAssessment(ctx context.Context, taskID, sarifID, assessment, description string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/task/%s/broadcast-sarif-assessment/%s", taskID, sarifID),
		sarifAssessment{Assessment: assessment, Description: description}, nil)
}

func (c *Client) parseStatus(s string) (wire.SubmissionResult, error) {
	var r, err = wire.ParseSubmissionResult(s)
	if err != nil {
		return wire.ResultNone, ops.Validation(err)
	}
	return r, nil
}

// do issues one request. Responses classify per their status class: 4xx is
// a validation failure the caller must not retry verbatim; 429 and 5xx are
// transient.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		var b, err = json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	var req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.KeyID, c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var client = c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return ops.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Fall through to decode.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return ops.Transient(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	default:
		var detail, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		log.WithFields(log.Fields{
			"method": method, "path": path, "status": resp.StatusCode, "body": string(detail),
		}).Warn("competition API rejected request")
		return ops.Validation(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, detail))
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ops.Transient(fmt.Errorf("decoding %s %s response: %w", method, path, err))
	}
	return nil
}
