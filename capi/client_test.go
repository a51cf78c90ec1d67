package capi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
)

func testCrash(t *testing.T, input []byte) *wire.Crash {
	var path = filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, input, 0o644))
	return &wire.Crash{
		CrashID: "c-1",
		TaskID:  "t-1",
		Target: wire.BuildOutput{
			TaskID: "t-1", Type: wire.BuildTypeFuzzer, Sanitizer: "address",
			Engine: "libfuzzer", TaskDir: "/scratch/t-1/b", Outcome: wire.BuildOK,
		},
		HarnessName: "fuzz_one",
		InputPath:   path,
		Stacktrace:  "    #0 0x1 in f /src/f.c:1",
	}
}

func TestSubmitPOVCarriesAuthAndPayload(t *testing.T) {
	var input = []byte{0xde, 0xad, 0xbe, 0xef}
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key-id", user)
		require.Equal(t, "key-token", pass)
		require.Equal(t, "/v1/task/t-1/pov", r.URL.Path)

		var req povRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ref-1", req.Ref)
		require.Equal(t, "address", req.Sanitizer)
		require.Equal(t, "fuzz_one", req.FuzzerName)
		require.Equal(t, input, req.Testcase)

		json.NewEncoder(w).Encode(apiResponse{ID: "pov-77", Status: "accepted"})
	}))
	defer srv.Close()

	var c = &Client{BaseURL: srv.URL, KeyID: "key-id", Token: "key-token"}
	var id, result, err = c.SubmitPOV(context.Background(), "t-1", "ref-1", testCrash(t, input))
	require.NoError(t, err)
	require.Equal(t, "pov-77", id)
	require.Equal(t, wire.ResultAccepted, result)
}

func TestStatusClassification(t *testing.T) {
	var status = http.StatusOK
	var body = `{"id":"p-1","status":"passed"}`
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()
	var c = &Client{BaseURL: srv.URL, KeyID: "k", Token: "s"}
	var ctx = context.Background()

	var result, err = c.PatchStatus(ctx, "t-1", "p-1")
	require.NoError(t, err)
	require.Equal(t, wire.ResultPassed, result)
	require.True(t, result.Terminal())

	// 5xx and 429 are transient.
	for _, s := range []int{http.StatusInternalServerError, http.StatusTooManyRequests} {
		status = s
		_, err = c.PatchStatus(ctx, "t-1", "p-1")
		require.Equal(t, ops.KindTransient, ops.Classify(err))
	}

	// 4xx is a validation failure: retrying verbatim cannot help.
	status = http.StatusUnprocessableEntity
	body = `{"detail":"malformed patch"}`
	_, _, err = c.SubmitPatch(ctx, "t-1", "ref", "not a diff")
	require.Equal(t, ops.KindValidation, ops.Classify(err))

	// Unknown status enums surface instead of passing silently.
	status = http.StatusOK
	body = `{"id":"p-1","status":"galloping"}`
	_, err = c.PatchStatus(ctx, "t-1", "p-1")
	require.Equal(t, ops.KindValidation, ops.Classify(err))
}

func TestBundleLifecycle(t *testing.T) {
	var patched []string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.Equal(t, "/v1/task/t-1/bundle", r.URL.Path)
			json.NewEncoder(w).Encode(apiResponse{ID: "bundle-3"})
		case http.MethodPatch:
			patched = append(patched, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()
	var c = &Client{BaseURL: srv.URL, KeyID: "k", Token: "s"}
	var ctx = context.Background()

	var b = &wire.BundleSubmission{CompetitionPOVID: "pov-1", CompetitionPatchID: "patch-1"}
	var id, err = c.CreateBundle(ctx, "t-1", b)
	require.NoError(t, err)
	require.Equal(t, "bundle-3", id)

	b.BundleID = id
	b.CompetitionSARIFID = "sarif-9"
	require.NoError(t, c.UpdateBundle(ctx, "t-1", b))
	require.Equal(t, []string{"/v1/task/t-1/bundle/bundle-3"}, patched)
}
