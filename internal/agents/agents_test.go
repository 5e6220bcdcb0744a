package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toankh-dev/chat-bot-sub001/pkg/config"
)

func okAgent() Agent {
	return AgentFunc(func(ctx context.Context, req Request) (*Reply, error) {
		return &Reply{Success: true, Payload: req.Action}, nil
	})
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		&Descriptor{
			ID:      "report",
			Aliases: []string{"tickets", "Report Agent"},
			Actions: map[string]ActionSpec{
				"create_ticket": {RequiredParams: []string{"title"}, Timeout: 45 * time.Second},
				"post_message":  {RequiredParams: []string{"channel", "text"}},
			},
			DefaultTimeout: 10 * time.Second,
			Agent:          okAgent(),
		},
		&Descriptor{
			ID:             "summarize",
			Actions:        map[string]ActionSpec{"summarize": {}, "post_message": {}},
			DefaultTimeout: 20 * time.Second,
			Agent:          okAgent(),
		},
	)
	require.NoError(t, err)
	return r
}

func TestRegistry_Resolve(t *testing.T) {
	r := testRegistry(t)

	d, err := r.Resolve("report")
	require.NoError(t, err)
	assert.Equal(t, "report", d.ID)

	_, err = r.Resolve("ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	ids := []string{}
	for _, d := range r.Descriptors() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"report", "summarize"}, ids)
}

func TestRegistry_ResolveHint(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name       string
		agent      string
		action     string
		wantID     string
		wantAction string
		wantErr    error
	}{
		{"by id", "report", "create_ticket", "report", "create_ticket", nil},
		{"by alias with spaces", "report agent", "Create Ticket", "report", "create_ticket", nil},
		{"unique action", "", "summarize", "summarize", "summarize", nil},
		{"ambiguous action", "", "post_message", "", "post_message", ErrAmbiguousAction},
		{"unknown agent", "deployer", "deploy", "", "deploy", ErrUnknownAgent},
		{"unsupported action", "summarize", "create_ticket", "summarize", "create_ticket", ErrUnsupportedAction},
		{"unknown action without agent", "", "fly", "", "fly", ErrUnsupportedAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, action, err := r.ResolveHint(tt.agent, tt.action)
			assert.Equal(t, tt.wantAction, action)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantID != "" {
				require.NotNil(t, d)
				assert.Equal(t, tt.wantID, d.ID)
			}
		})
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&Descriptor{ID: "a"}, &Descriptor{ID: "a"})
	assert.Error(t, err)

	_, err = NewRegistry(&Descriptor{ID: "a", Aliases: []string{"x"}}, &Descriptor{ID: "b", Aliases: []string{"x"}})
	assert.Error(t, err)
}

func TestDescriptor_TimeoutsAndParams(t *testing.T) {
	d, err := testRegistry(t).Resolve("report")
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, d.TimeoutFor("create_ticket"))
	assert.Equal(t, 10*time.Second, d.TimeoutFor("post_message"))

	assert.Equal(t, []string{"channel", "text"}, d.MissingParams("post_message", map[string]any{"text": ""}))
	assert.Empty(t, d.MissingParams("create_ticket", map[string]any{"title": "login bug"}))

	_, err = d.Invoke(context.Background(), Request{Action: "summarize"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestRemote_Invoke(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Reply{
			Success: true,
			Payload: map[string]any{"ticket_id": "PROJ-12"},
		})
	}))
	defer srv.Close()

	reply, err := NewRemote(srv.URL, "secret").Invoke(context.Background(), Request{
		Action:     "create_ticket",
		Parameters: map[string]any{"title": "login bug"},
	})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, "PROJ-12", reply.Payload.(map[string]any)["ticket_id"])
	assert.Equal(t, "create_ticket", got.Action)
	assert.Equal(t, "login bug", got.Parameters["title"])
}

func TestRemote_StatusMapping(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("project not found"))
	}))
	defer srv.Close()
	remote := NewRemote(srv.URL, "")

	_, err := remote.Invoke(context.Background(), Request{Action: "x"})
	assert.ErrorIs(t, err, ErrTransient)

	status = http.StatusUnprocessableEntity
	reply, err := remote.Invoke(context.Background(), Request{Action: "x"})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.ErrorMessage, "project not found")
}

func TestRemote_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewRemote(srv.URL, "").Invoke(ctx, Request{Action: "x"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

type stubSearcher struct {
	out string
	err error
}

func (s stubSearcher) Call(context.Context, string) (string, error) {
	return s.out, s.err
}

func TestParseSearchResults(t *testing.T) {
	text := "Title: Go\nDescription: The Go language\nURL: https://go.dev\n\nTitle: Pkg\nDescription: Docs\nURL: https://pkg.go.dev\n\n"
	res := parseSearchResults(text)
	require.Len(t, res, 2)
	assert.Equal(t, searchResult{Title: "Pkg", Description: "Docs", URL: "https://pkg.go.dev"}, res[1])
}

func TestResearch_WebSearch(t *testing.T) {
	r := newResearch(stubSearcher{out: "Title: Go\nDescription: The Go language\nURL: https://go.dev\n\n"}, http.DefaultClient)

	reply, err := r.Invoke(context.Background(), Request{Action: ActionWebSearch, Parameters: map[string]any{"query": "golang"}})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	require.Len(t, reply.Citations, 1)
	assert.Equal(t, "https://go.dev", reply.Citations[0].SourceID)

	r.Search = stubSearcher{err: errors.New("rate limited")}
	_, err = r.Invoke(context.Background(), Request{Action: ActionWebSearch, Parameters: map[string]any{"query": "golang"}})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestResearch_ReadPage(t *testing.T) {
	page := `<html><head><title>Release notes</title></head><body>
<article><h1>Release notes</h1>
<p>` + strings.Repeat("The new release ships faster builds and a smaller runtime footprint. ", 20) + `</p>
<p>Upgrading requires no code changes for most users of the library.</p>
<script>alert("x")</script>
</article></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	r := newResearch(stubSearcher{}, srv.Client())
	reply, err := r.Invoke(context.Background(), Request{Action: ActionReadPage, Parameters: map[string]any{"url": srv.URL + "/notes"}})
	require.NoError(t, err)
	require.True(t, reply.Success, reply.ErrorMessage)

	payload := reply.Payload.(map[string]any)
	assert.Contains(t, payload["content"], "faster builds")
	assert.NotContains(t, payload["content"], "alert(")
	assert.Equal(t, srv.URL+"/notes", reply.Citations[0].SourceID)

	reply, err = r.Invoke(context.Background(), Request{Action: ActionReadPage, Parameters: map[string]any{"url": srv.URL + "/missing"}})
	require.NoError(t, err)
	assert.False(t, reply.Success)

	reply, err = r.Invoke(context.Background(), Request{Action: ActionReadPage, Parameters: map[string]any{"url": "not a url"}})
	require.NoError(t, err)
	assert.False(t, reply.Success)
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig([]config.AgentConfig{
		{
			ID:       "report",
			Endpoint: "http://localhost:9000/invoke",
			Actions:  []config.ActionConfig{{Name: "create_ticket", RequiredParams: []string{"title"}}},
		},
		{ID: "web", Kind: "research"},
	})
	require.NoError(t, err)

	d, err := reg.Resolve("report")
	require.NoError(t, err)
	assert.Equal(t, defaultAgentTimeout, d.DefaultTimeout)
	assert.IsType(t, &Remote{}, d.Agent)

	web, err := reg.Resolve("web")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ActionReadPage, ActionWebSearch}, web.SortedActions())

	_, err = FromConfig([]config.AgentConfig{{ID: "x", Kind: "smoke-signal"}})
	assert.Error(t, err)
}

func TestTruncateContent_KeepsRunesWhole(t *testing.T) {
	got := truncateContent(strings.Repeat("é", 10), 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 5)+"\n... (content truncated) ...", got)

	assert.Equal(t, "héllo", truncateContent("héllo", 5))
	assert.Equal(t, "日本", truncateContent("日本", 10))
}
