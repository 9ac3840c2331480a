package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/optisync"
	"github.com/unkn0wn-root/optisync/internal/fakeapi"
)

func newClient(t *testing.T, token string) (*Client, *fakeapi.Server) {
	t.Helper()
	api := fakeapi.New("secret")
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Token: token})
	require.NoError(t, err)
	return c, api
}

func TestUpdateReturnsServerEntity(t *testing.T) {
	c, api := newClient(t, "secret")
	api.Seed("auction", "A1", map[string]any{"status": "PUBLISHED", "reserve_price": "100.00"})

	doc, err := c.Update(context.Background(), optisync.DetailKey("auction", "A1"), optisync.Patch{"status": "CANCELLED"})
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", doc.StringField("status"))
	assert.Equal(t, "100.00", doc.StringField("reserve_price"))

	stored, _ := api.Get("auction", "A1")
	assert.Equal(t, "CANCELLED", stored["status"])
}

func TestNullPatchFieldRemoves(t *testing.T) {
	c, api := newClient(t, "secret")
	api.Seed("item", "I1", map[string]any{"status": "SOLD", "buyer_name": "bob"})

	_, err := c.Update(context.Background(), optisync.DetailKey("item", "I1"), optisync.Patch{"buyer_name": nil, "status": "AUCTION"})
	require.NoError(t, err)
	stored, _ := api.Get("item", "I1")
	assert.NotContains(t, stored, "buyer_name")
}

func TestClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusConflict, optisync.ErrRemoteRejected},
		{http.StatusUnprocessableEntity, optisync.ErrRemoteRejected},
		{http.StatusRequestTimeout, optisync.ErrTimeout},
		{http.StatusGatewayTimeout, optisync.ErrTimeout},
		{http.StatusBadGateway, optisync.ErrNetwork},
		{http.StatusServiceUnavailable, optisync.ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c, api := newClient(t, "secret")
			api.Seed("auction", "A1", map[string]any{"status": "PUBLISHED"})
			api.FailNext("auction", "A1", tc.status, "nope")

			_, err := c.Update(context.Background(), optisync.DetailKey("auction", "A1"), optisync.Patch{"status": "DRAFT"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), "got %v", err)
		})
	}
}

func TestRejectionCarriesReason(t *testing.T) {
	c, api := newClient(t, "secret")
	api.Seed("auction", "A1", map[string]any{"status": "STARTED"})
	api.FailNext("auction", "A1", http.StatusConflict, "auction already started")

	_, err := c.Update(context.Background(), optisync.DetailKey("auction", "A1"), optisync.Patch{"status": "CANCELLED"})
	var re *optisync.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.Equal(t, "auction already started", re.Reason)
}

func TestBadTokenIsRejected(t *testing.T) {
	c, api := newClient(t, "wrong")
	api.Seed("auction", "A1", map[string]any{"status": "DRAFT"})
	_, err := c.Update(context.Background(), optisync.DetailKey("auction", "A1"), optisync.Patch{"status": "PUBLISHED"})
	assert.ErrorIs(t, err, optisync.ErrRemoteRejected)
}

func TestTransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(Options{BaseURL: url})
	require.NoError(t, err)

	err = c.Delete(context.Background(), optisync.DetailKey("auction", "A1"))
	assert.ErrorIs(t, err, optisync.ErrNetwork)
}

func TestContextDeadlineIsTimeout(t *testing.T) {
	c, api := newClient(t, "secret")
	api.Seed("auction", "A1", map[string]any{"status": "DRAFT"})
	release := api.Block("auction", "A1")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Update(ctx, optisync.DetailKey("auction", "A1"), optisync.Patch{"status": "PUBLISHED"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeleteAndFetch(t *testing.T) {
	c, api := newClient(t, "secret")
	ctx := context.Background()
	api.Seed("auction", "A1", map[string]any{"status": "CANCELLED"})
	api.Seed("auction", "A2", map[string]any{"status": "DRAFT"})
	k := optisync.DetailKey("auction", "A1")

	doc, err := c.Fetch(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", doc.StringField("status"))

	require.NoError(t, c.Delete(ctx, k))
	doc, err = c.Fetch(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, doc, "a deleted entity fetches as absent")
	require.NoError(t, c.Delete(ctx, k), "deleting twice is not an error")

	list, err := c.Fetch(ctx, optisync.ListKey("auction", map[string]string{"status": "DRAFT"}))
	require.NoError(t, err)
	items, ok := list["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "A2", items[0].(map[string]any)["id"])
}

func TestGarbledSuccessBodyStillCommits(t *testing.T) {
	bodies := map[string]func(http.ResponseWriter){
		"not json": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html>ok</html>"))
		},
		"data not an object": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data": 42}`))
		},
		"truncated": func(w http.ResponseWriter) {
			w.Header().Set("Content-Length", "64")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data": {"sta`))
		},
	}
	for name, write := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { write(w) }))
			defer srv.Close()
			c, err := New(Options{BaseURL: srv.URL})
			require.NoError(t, err)
			ctx := context.Background()
			k := optisync.DetailKey("auction", "A1")

			doc, err := c.Update(ctx, k, optisync.Patch{"status": "CANCELLED"})
			require.NoError(t, err, "a 2xx means the server applied the patch")
			assert.Nil(t, doc)
			assert.NoError(t, c.Delete(ctx, k))

			_, err = c.Fetch(ctx, optisync.ListKey("auction", nil))
			if name == "data not an object" {
				assert.Error(t, err)
				return
			}
			assert.ErrorIs(t, err, errUnreadableBody)
			assert.False(t, optisync.Retryable(err))
		})
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
