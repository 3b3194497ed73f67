package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/dispatch"
	"github.com/satindergrewal/loophost/internal/effect"
	"github.com/satindergrewal/loophost/internal/effect/units"
	"github.com/satindergrewal/loophost/internal/graph"
	"github.com/satindergrewal/loophost/internal/host"
)

// fakeHost applies rewires immediately using the bundled volume unit.
type fakeHost struct {
	mu        sync.Mutex
	registry  *effect.Registry
	state     host.TransportState
	unit      effect.Unit
	playErr   error
	rewireErr error
	closed    bool
	requests  []*effect.Descriptor
}

func (f *fakeHost) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.state = host.Playing
	return nil
}

func (f *fakeHost) Rewire(ctx context.Context, desc *effect.Descriptor) (<-chan error, error) {
	if desc != nil && !f.registry.Registered(*desc) {
		return nil, fmt.Errorf("rewire: %w: %s", effect.ErrUnregistered, desc)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, desc)

	done := make(chan error, 1)
	defer close(done)
	if f.rewireErr != nil {
		f.unit = nil
		done <- f.rewireErr
		return done, nil
	}
	if f.unit != nil {
		f.unit.Detach()
		f.unit = nil
	}
	if desc != nil {
		u, err := units.NewVolume(ctx, effect.Request{Descriptor: *desc, Format: audio.DefaultFormat})
		if err != nil {
			done <- err
			return done, nil
		}
		u.SetContextName(host.ContextName)
		f.unit = u
	}
	done <- nil
	return done, nil
}

func (f *fakeHost) State() host.TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeHost) Shape() graph.Shape {
	if f.Unit() == nil {
		return graph.ShapeBypass
	}
	return graph.ShapeInserted
}

func (f *fakeHost) Status() (host.Status, error) {
	if f.closed {
		return host.Status{}, dispatch.ErrClosed
	}
	return host.Status{
		State: f.State(),
		Shape: f.Shape(),
		Edges: []graph.Connection{
			{From: graph.NodeSource, To: graph.NodeMixer, Format: audio.DefaultFormat},
			{From: graph.NodeMixer, To: graph.NodeSink, Format: audio.DefaultFormat},
		},
		Unit: f.Unit(),
	}, nil
}

func (f *fakeHost) Unit() effect.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unit
}

type fixture struct {
	host   *fakeHost
	master *effect.ParameterTree
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := effect.NewRegistry()
	require.NoError(t, units.RegisterAll(reg))

	res, err := audio.NewResource("loop.wav", audio.NewBuffer(audio.DefaultFormat, audio.FrameSize*50))
	require.NoError(t, err)

	fx := &fixture{
		host:   &fakeHost{registry: reg},
		master: graph.NewMixer().Parameters(),
		mux:    http.NewServeMux(),
	}
	New(Config{
		Host:      fx.host,
		Registry:  reg,
		Master:    fx.master,
		Resource:  res,
		Listeners: func() map[string]int { return map[string]int{"http": 2, "webrtc": 1} },
	}).Register(fx.mux)
	return fx
}

func (fx *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStatus(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	body := decode(t, rec)
	assert.Equal(t, "stopped", body["state"])
	assert.Equal(t, "source->mixer->sink", body["shape"])
	assert.Nil(t, body["effect"])
	assert.Len(t, body["edges"], 2)
	assert.Equal(t, map[string]any{"http": 2.0, "webrtc": 1.0}, body["listeners"])

	res := body["resource"].(map[string]any)
	assert.Equal(t, "loop.wav", res["path"])
	assert.InDelta(t, 1.0, res["duration"], 1e-9)
}

func TestStatusAfterClose(t *testing.T) {
	fx := newFixture(t)
	fx.host.closed = true

	rec := fx.do(http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPlay(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, http.StatusMethodNotAllowed, fx.do(http.MethodGet, "/api/play", "").Code)

	rec := fx.do(http.MethodPost, "/api/play", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "playing", decode(t, rec)["state"])
}

func TestPlayFailure(t *testing.T) {
	fx := newFixture(t)
	fx.host.playErr = fmt.Errorf("%w: %w", host.ErrTransportStart, errors.New("no device"))

	rec := fx.do(http.MethodPost, "/api/play", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "no device")
}

func TestEffectInsertAndBypass(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodPost, "/api/effect", `{"effect":"aufx:demo:demo"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "source->effect->mixer->sink", body["shape"])
	eff := body["effect"].(map[string]any)
	assert.Equal(t, "aufx:demo:demo", eff["descriptor"])
	assert.Equal(t, "demo: VolumePlugin", eff["name"])
	assert.Equal(t, host.ContextName, eff["context_name"])

	rec = fx.do(http.MethodPost, "/api/effect", `{"effect":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "source->mixer->sink", decode(t, rec)["shape"])

	require.Len(t, fx.host.requests, 2)
	assert.NotNil(t, fx.host.requests[0])
	assert.Nil(t, fx.host.requests[1], "empty effect selects bypass")
}

func TestEffectErrors(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"bad descriptor", http.MethodPost, `{"effect":"aufx:demo"}`, http.StatusBadRequest},
		{"unregistered", http.MethodPost, `{"effect":"aufx:nope:test"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fx.do(tt.method, "/api/effect", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, fx.host.requests, "rejected requests never reach the host")
}

func TestEffectFailureReported(t *testing.T) {
	fx := newFixture(t)
	fx.host.rewireErr = fmt.Errorf("rewire to aufx:demo:demo: %w", effect.ErrInstantiateTimeout)

	rec := fx.do(http.MethodPost, "/api/effect", `{"effect":"aufx:demo:demo"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "timed out")
}

func TestEffectsList(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodGet, "/api/effects", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 3)
	names := make(map[string]any, len(list))
	for _, e := range list {
		names[e["descriptor"].(string)] = e["name"]
	}
	assert.Equal(t, "demo: VolumePlugin", names["aufx:demo:demo"])
	assert.Contains(t, names, "aufx:trem:lphs")
}

func TestParamWithoutEffect(t *testing.T) {
	fx := newFixture(t)

	body := decode(t, fx.do(http.MethodGet, "/api/param", ""))
	assert.Nil(t, body["effect"])
	require.Len(t, body["master"], 1)

	rec := fx.do(http.MethodPost, "/api/param", `{"id":"param1","value":0.5}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestParamSetEffectAndMaster(t *testing.T) {
	fx := newFixture(t)
	require.Equal(t, http.StatusOK, fx.do(http.MethodPost, "/api/effect", `{"effect":"aufx:demo:demo"}`).Code)

	rec := fx.do(http.MethodPost, "/api/param", `{"target":"effect","id":"param1","value":0.25}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0.25, decode(t, rec)["value"])

	p, ok := fx.host.Unit().Parameters().Value(units.VolumeParam)
	require.True(t, ok)
	assert.Equal(t, 0.25, p.Value())

	rec = fx.do(http.MethodPost, "/api/param", `{"target":"master","id":"volume","value":7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1.0, decode(t, rec)["value"], "values are clamped")

	params := decode(t, fx.do(http.MethodGet, "/api/param", ""))["effect"].([]any)
	require.Len(t, params, 1)
	assert.Equal(t, 0.25, params[0].(map[string]any)["value"])
}

func TestParamErrors(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"wrong method", http.MethodDelete, "", http.StatusMethodNotAllowed},
		{"missing value", http.MethodPost, `{"target":"master","id":"volume"}`, http.StatusBadRequest},
		{"unknown target", http.MethodPost, `{"target":"aux","id":"volume","value":1}`, http.StatusBadRequest},
		{"unknown param", http.MethodPost, `{"target":"master","id":"pan","value":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, fx.do(tt.method, "/api/param", tt.body).Code)
		})
	}
}
