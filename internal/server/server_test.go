package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/lamina/internal/layer"
	"github.com/samcharles93/lamina/internal/version"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	s := NewServer(Config{MaxThreads: 4, NewID: func() string { return "req-test" }})
	e := echo.New()
	s.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func TestListLayers(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/layers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-test", rec.Header().Get(HeaderRequestID))

	list := decode[LayerList](t, rec)
	require.Len(t, list.Data, 2)
	assert.Equal(t, LayerInfo{
		Name: "Softmax", Index: layer.IndexSoftmax,
		OneBlobOnly: true, SupportInplace: true, SupportVulkan: true,
	}, list.Data[0])
	assert.Equal(t, "Padding", list.Data[1].Name)
	assert.True(t, list.Data[1].SupportFP16Storage)
}

func TestGetLayer(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/layers/Padding", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, layer.IndexPadding, decode[LayerInfo](t, rec).Index)

	rec = doJSON(t, e, http.MethodGet, "/v1/layers/Convolution", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/layers", nil)
	req.Header.Set(HeaderRequestID, "caller-7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "caller-7", rec.Header().Get(HeaderRequestID))
}

func TestForwardPadding(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"name":"pad0","params":{"0":1,"1":1,"2":1,"3":1},"input":{"dims":1,"w":2,"data":[5,6]}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/layers/Padding/forward", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ForwardResponse](t, rec)
	assert.Equal(t, "req-test", resp.ID)
	assert.Equal(t, "Padding", resp.Layer)
	assert.Equal(t, "pad0", resp.Name)
	require.NotNil(t, resp.Output)
	assert.Equal(t, 1, resp.Output.Dims)
	assert.Equal(t, 4, resp.Output.W)
	assert.Equal(t, []float32{0, 5, 6, 0}, resp.Output.Data)
}

func TestForwardSoftmax(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"params":{"0":1},"threads":64,"input":{"dims":2,"w":3,"h":2,"data":[1,2,3,1,2,3]}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/layers/Softmax/forward", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[ForwardResponse](t, rec).Output
	require.NotNil(t, out)
	want := []float32{0.0900, 0.2447, 0.6652, 0.0900, 0.2447, 0.6652}
	require.Len(t, out.Data, len(want))
	for i := range want {
		assert.InDelta(t, want[i], out.Data[i], 1e-4)
	}
}

func TestForwardGPURecord(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"gpu":true,"params":{"2":1,"3":1},"input":{"dims":1,"w":2,"data":[5,6]}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/layers/Padding/forward", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ForwardResponse](t, rec)
	require.Len(t, resp.Records, 4)
	assert.Equal(t, "bind_pipeline Padding", resp.Records[0])
	assert.Equal(t, "update_bindings Padding 1d[2,1,1] 1d[4,1,1]", resp.Records[1])
	assert.Equal(t, "dispatch 1x1x1", resp.Records[3])
	require.NotNil(t, resp.Output)
	assert.Equal(t, 4, resp.Output.W)
	assert.Empty(t, resp.Output.Data)
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   int
	}{
		{"bad json", "/v1/layers/Softmax/forward", `{"input":`, http.StatusBadRequest, 0},
		{"bad input", "/v1/layers/Softmax/forward", `{"input":{"dims":2,"w":3,"h":2,"data":[1]}}`, http.StatusBadRequest, 0},
		{"bad key", "/v1/layers/Softmax/forward", `{"params":{"axis":1},"input":{"dims":1,"w":1,"data":[1]}}`, http.StatusBadRequest, 0},
		{"unknown type", "/v1/layers/Convolution/forward", `{"input":{"dims":1,"w":1,"data":[1]}}`, http.StatusNotFound, layer.StatusNotImplemented},
		{"bad axis", "/v1/layers/Softmax/forward", `{"params":{"0":5},"input":{"dims":1,"w":1,"data":[1]}}`, http.StatusUnprocessableEntity, layer.StatusLoad},
		{"axis rank", "/v1/layers/Softmax/forward", `{"params":{"0":2},"input":{"dims":2,"w":2,"h":2,"data":[1,2,3,4]}}`, http.StatusUnprocessableEntity, layer.StatusShape},
		{"bad mode", "/v1/layers/Padding/forward", `{"params":{"4":9},"input":{"dims":1,"w":1,"data":[1]}}`, http.StatusUnprocessableEntity, layer.StatusLoad},
	}
	e := newTestEcho(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			env := decode[errorEnvelope](t, rec)
			assert.NotEmpty(t, env.Error.Message)
			assert.Equal(t, tc.code, env.Error.Status)
		})
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(t), http.MethodGet, "/v1/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[version.Info](t, rec).Version)
}
