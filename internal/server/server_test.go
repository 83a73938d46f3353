package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-dev/hubbub/internal/config"
	"github.com/hubbub-dev/hubbub/internal/extension/dashboard"
	"github.com/hubbub-dev/hubbub/internal/extension/endpoint"
	"github.com/hubbub-dev/hubbub/internal/extension/registry"
	"github.com/hubbub-dev/hubbub/internal/extension/serverext"
	"github.com/hubbub-dev/hubbub/internal/extension/signal"
	"github.com/hubbub-dev/hubbub/internal/extension/table"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/server"
	"github.com/hubbub-dev/hubbub/pkg/client"
)

const dashboardToken = "dash-secret"

type testBroker struct {
	srv   *server.Server
	http  *httptest.Server
	wsURL string
	cfg   config.Config
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DashboardToken = dashboardToken

	srv, err := server.New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Network)
	t.Cleanup(ts.Close)
	return &testBroker{
		srv:   srv,
		http:  ts,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		cfg:   cfg,
	}
}

func testApp(path string) protocol.App {
	return protocol.App{ID: protocol.MustIdentifier("com.example", path), Version: "1.0.0"}
}

func dial(t *testing.T, b *testBroker, app protocol.App, opts client.Options) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, b.wsURL, app, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func goReady(t *testing.T, c *client.Client) {
	t.Helper()
	require.NoError(t, c.Ready())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}

func TestHandshakeMintsToken(t *testing.T) {
	b := newTestBroker(t)
	c := dial(t, b, testApp("app"), client.Options{})
	require.NotEmpty(t, c.Token())
	goReady(t, c)
}

func TestReconnectWithToken(t *testing.T) {
	b := newTestBroker(t)
	first := dial(t, b, testApp("app"), client.Options{})
	token := first.Token()
	first.Close()

	second := dial(t, b, testApp("app"), client.Options{Token: token})
	assert.Equal(t, token, second.Token())
}

func TestInvalidTokenRefused(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Dial(ctx, b.wsURL, testApp("app"), client.Options{Token: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(packet.DisconnectInvalidToken))
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	b := newTestBroker(t)
	first := dial(t, b, testApp("app"), client.Options{})
	token := first.Token()

	dial(t, b, testApp("app"), client.Options{Token: token})

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first session was not evicted")
	}
	assert.Equal(t, packet.DisconnectAnotherConnection, first.DisconnectReason().Reason)
}

func TestEndpointCallBetweenApps(t *testing.T) {
	b := newTestBroker(t)

	owner := dial(t, b, testApp("owner"), client.Options{})
	echoID := testApp("owner").ID.Join("echo")
	client.Handle(owner, endpoint.CallPacket, func(data endpoint.Data) {
		owner.Send(endpoint.ReceivePacket, endpoint.Data{
			ID:   data.ID,
			Key:  data.Key,
			Data: append([]byte("echo:"), data.Data...),
		})
	})
	require.NoError(t, owner.Send(endpoint.RegisterPacket, []endpoint.Registration{{ID: echoID}}))
	goReady(t, owner)

	caller := dial(t, b, testApp("caller"), client.Options{})
	goReady(t, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := caller.Call(ctx, echoID, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), res)
}

func TestEndpointCallUnknownEndpoint(t *testing.T) {
	b := newTestBroker(t)
	caller := dial(t, b, testApp("caller"), client.Options{})
	goReady(t, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := caller.Call(ctx, protocol.MustIdentifier("com.example", "nobody", "missing"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEndpointOwnerDisconnectErrorsInflightCalls(t *testing.T) {
	b := newTestBroker(t)

	owner := dial(t, b, testApp("owner"), client.Options{})
	blackholeID := testApp("owner").ID.Join("blackhole")
	require.NoError(t, owner.Send(endpoint.RegisterPacket, []endpoint.Registration{{ID: blackholeID}}))
	goReady(t, owner)

	caller := dial(t, b, testApp("caller"), client.Options{})
	goReady(t, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := caller.Call(ctx, blackholeID, nil)
		done <- err
	}()

	// Give the call time to reach the owner, then kill the owner.
	time.Sleep(200 * time.Millisecond)
	owner.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	case <-time.After(5 * time.Second):
		t.Fatal("call never resolved after owner disconnect")
	}
}

func TestTableAddFetchSize(t *testing.T) {
	b := newTestBroker(t)
	c := dial(t, b, testApp("app"), client.Options{})
	require.NoError(t, c.Register(
		table.ListenPacket, table.CachePacket,
		table.ItemAddPacket, table.ItemUpdatePacket, table.ItemRemovePacket, table.ItemClearPacket,
	))
	goReady(t, c)

	tableID := testApp("app").ID.Join("items")
	require.NoError(t, c.Send(table.ItemAddPacket, table.Items{
		ID: tableID,
		Items: []table.Item{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sizeReq, err := table.EventCodec().Encode(table.Event{ID: tableID})
	require.NoError(t, err)
	sizeRes, err := c.Call(ctx, table.SizeEndpoint, sizeReq)
	require.NoError(t, err)
	var size int
	require.NoError(t, json.Unmarshal(sizeRes, &size))
	assert.Equal(t, 2, size)

	getReq, err := table.KeysCodec().Encode(table.KeysData{ID: tableID, Keys: []string{"b"}})
	require.NoError(t, err)
	getRes, err := c.Call(ctx, table.ItemGetEndpoint, getReq)
	require.NoError(t, err)
	items, err := table.ItemsCodec().Decode(getRes)
	require.NoError(t, err)
	require.Len(t, items.Items, 1)
	assert.Equal(t, []byte("2"), items.Items[0].Value)

	allRes, err := c.Call(ctx, table.FetchAllEndpoint, sizeReq)
	require.NoError(t, err)
	all, err := table.ItemsCodec().Decode(allRes)
	require.NoError(t, err)
	require.Len(t, all.Items, 2)
	assert.Equal(t, "a", all.Items[0].Key)
	assert.Equal(t, "b", all.Items[1].Key)
}

func TestTableEventsReachListeners(t *testing.T) {
	b := newTestBroker(t)
	tableID := testApp("writer").ID.Join("items")

	caches := make(chan table.Items, 4)
	adds := make(chan table.Items, 4)
	reader := dial(t, b, testApp("reader"), client.Options{})
	require.NoError(t, reader.Register(
		table.ListenPacket, table.CachePacket,
		table.ItemAddPacket, table.ItemUpdatePacket, table.ItemRemovePacket, table.ItemClearPacket,
	))
	client.Handle(reader, table.CachePacket, func(data table.Items) { caches <- data })
	client.Handle(reader, table.ItemAddPacket, func(data table.Items) { adds <- data })
	goReady(t, reader)

	require.NoError(t, reader.Send(table.ListenPacket, table.Event{ID: tableID}))
	initial := waitFor(t, caches)
	assert.Empty(t, initial.Items)

	writer := dial(t, b, testApp("writer"), client.Options{})
	require.NoError(t, writer.Register(
		table.ListenPacket, table.CachePacket,
		table.ItemAddPacket, table.ItemUpdatePacket, table.ItemRemovePacket, table.ItemClearPacket,
	))
	goReady(t, writer)

	require.NoError(t, writer.Send(table.ItemAddPacket, table.Items{
		ID:    tableID,
		Items: []table.Item{{Key: "a", Value: []byte("1")}},
	}))

	event := waitFor(t, adds)
	require.Len(t, event.Items, 1)
	assert.Equal(t, "a", event.Items[0].Key)
	assert.Equal(t, []byte("1"), event.Items[0].Value)
}

func TestTableProxyTransformsWrites(t *testing.T) {
	b := newTestBroker(t)
	tableID := testApp("writer").ID.Join("queue")

	// The proxy appends "!" to every value and swallows "spam" entries.
	offered := make(chan table.ProxyData, 4)
	proxy := dial(t, b, testApp("moderator"), client.Options{})
	require.NoError(t, proxy.Register(table.ProxyListenPacket, table.ProxyPacket))
	client.Handle(proxy, table.ProxyPacket, func(data table.ProxyData) {
		offered <- data
		out := make([]table.Item, 0, len(data.Items))
		for _, item := range data.Items {
			if item.Key == "spam" {
				continue
			}
			out = append(out, table.Item{Key: item.Key, Value: append(item.Value, '!')})
		}
		proxy.Send(table.ProxyPacket, table.ProxyData{ID: data.ID, Key: data.Key, Items: out})
	})
	goReady(t, proxy)
	require.NoError(t, proxy.Send(table.ProxyListenPacket, table.Event{ID: tableID}))

	adds := make(chan table.Items, 4)
	writer := dial(t, b, testApp("writer"), client.Options{})
	require.NoError(t, writer.Register(
		table.ListenPacket, table.CachePacket,
		table.ItemAddPacket, table.ItemUpdatePacket, table.ItemRemovePacket, table.ItemClearPacket,
	))
	client.Handle(writer, table.ItemAddPacket, func(data table.Items) { adds <- data })
	goReady(t, writer)
	require.NoError(t, writer.Send(table.ListenPacket, table.Event{ID: tableID}))

	require.NoError(t, writer.Send(table.ItemAddPacket, table.Items{
		ID:    tableID,
		Items: []table.Item{{Key: "a", Value: []byte("1")}},
	}))

	batch := waitFor(t, offered)
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "a", batch.Items[0].Key)

	// What commits is the proxy's reply, not the original batch.
	event := waitFor(t, adds)
	require.Len(t, event.Items, 1)
	assert.Equal(t, []byte("1!"), event.Items[0].Value)

	// A batch the proxy empties out never commits.
	require.NoError(t, writer.Send(table.ItemAddPacket, table.Items{
		ID:    tableID,
		Items: []table.Item{{Key: "spam", Value: []byte("x")}},
	}))
	waitFor(t, offered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sizeReq, err := table.EventCodec().Encode(table.Event{ID: tableID})
	require.NoError(t, err)
	sizeRes, err := writer.Call(ctx, table.SizeEndpoint, sizeReq)
	require.NoError(t, err)
	var size int
	require.NoError(t, json.Unmarshal(sizeRes, &size))
	assert.Equal(t, 1, size)
}

func TestTableProxiedWritesStayOrdered(t *testing.T) {
	b := newTestBroker(t)
	tableID := testApp("writer").ID.Join("queue")

	// The proxy replies late; a later write must still wait for the
	// batch in flight before it can commit.
	proxy := dial(t, b, testApp("gate"), client.Options{})
	require.NoError(t, proxy.Register(table.ProxyListenPacket, table.ProxyPacket))
	client.Handle(proxy, table.ProxyPacket, func(data table.ProxyData) {
		time.Sleep(300 * time.Millisecond)
		proxy.Send(table.ProxyPacket, table.ProxyData{ID: data.ID, Key: data.Key, Items: data.Items})
	})
	goReady(t, proxy)
	require.NoError(t, proxy.Send(table.ProxyListenPacket, table.Event{ID: tableID}))

	events := make(chan string, 4)
	writer := dial(t, b, testApp("writer"), client.Options{})
	require.NoError(t, writer.Register(
		table.ListenPacket, table.CachePacket,
		table.ItemAddPacket, table.ItemUpdatePacket, table.ItemRemovePacket, table.ItemClearPacket,
	))
	client.Handle(writer, table.ItemAddPacket, func(table.Items) { events <- "add" })
	client.Handle(writer, table.ItemRemovePacket, func(table.Items) { events <- "remove" })
	goReady(t, writer)
	require.NoError(t, writer.Send(table.ListenPacket, table.Event{ID: tableID}))

	require.NoError(t, writer.Send(table.ItemAddPacket, table.Items{
		ID:    tableID,
		Items: []table.Item{{Key: "k1", Value: []byte("v1")}},
	}))
	require.NoError(t, writer.Send(table.ItemRemovePacket, table.Items{
		ID:    tableID,
		Items: []table.Item{{Key: "k1"}},
	}))

	assert.Equal(t, "add", waitFor(t, events))
	assert.Equal(t, "remove", waitFor(t, events))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	allReq, err := table.EventCodec().Encode(table.Event{ID: tableID})
	require.NoError(t, err)
	allRes, err := writer.Call(ctx, table.FetchAllEndpoint, allReq)
	require.NoError(t, err)
	all, err := table.ItemsCodec().Decode(allRes)
	require.NoError(t, err)
	assert.Empty(t, all.Items)
}

func TestRegistryListenAndUpdate(t *testing.T) {
	b := newTestBroker(t)
	c := dial(t, b, testApp("app"), client.Options{})
	require.NoError(t, c.Register(registry.RegisterPacket, registry.ListenPacket, registry.UpdatePacket))

	updates := make(chan registry.UpdateData, 4)
	client.Handle(c, registry.UpdatePacket, func(data registry.UpdateData) {
		updates <- data
	})
	goReady(t, c)

	regID := testApp("app").ID.Join("state")
	require.NoError(t, c.Send(registry.ListenPacket, regID))

	// First event replays the (absent) current value.
	initial := waitFor(t, updates)
	assert.False(t, initial.Exists)

	require.NoError(t, c.Send(registry.UpdatePacket, registry.UpdateData{
		ID:     regID,
		Exists: true,
		Value:  []byte(`{"volume":11}`),
	}))
	echoed := waitFor(t, updates)
	assert.True(t, echoed.Exists)
	assert.JSONEq(t, `{"volume":11}`, string(echoed.Value))

	// The value is on disk under the registry directory.
	path := filepath.Join(b.cfg.DataDir, "registry", regID.SanitizedPath()+".json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"volume":11}`, string(raw))
}

func TestSignalFanout(t *testing.T) {
	b := newTestBroker(t)
	sigID := testApp("emitter").ID.Join("tick")

	received := make(chan signal.Data, 4)
	listener := dial(t, b, testApp("listener"), client.Options{})
	require.NoError(t, listener.Register(signal.RegisterPacket, signal.ListenPacket, signal.NotifyPacket))
	client.Handle(listener, signal.NotifyPacket, func(data signal.Data) {
		received <- data
	})
	goReady(t, listener)
	require.NoError(t, listener.Send(signal.ListenPacket, sigID))

	emitter := dial(t, b, testApp("emitter"), client.Options{})
	require.NoError(t, emitter.Register(signal.RegisterPacket, signal.ListenPacket, signal.NotifyPacket))
	echoed := make(chan signal.Data, 4)
	client.Handle(emitter, signal.NotifyPacket, func(data signal.Data) {
		echoed <- data
	})
	goReady(t, emitter)
	require.NoError(t, emitter.Send(signal.ListenPacket, sigID))

	require.NoError(t, emitter.Send(signal.NotifyPacket, signal.Data{ID: sigID, Body: []byte("ping")}))

	got := waitFor(t, received)
	assert.True(t, got.ID.Equal(sigID))
	assert.Equal(t, []byte("ping"), got.Body)

	// A listening notifier hears its own signal.
	self := waitFor(t, echoed)
	assert.Equal(t, []byte("ping"), self.Body)
}

func TestRequireAppsGatesReady(t *testing.T) {
	b := newTestBroker(t)

	dep := dial(t, b, testApp("dep"), client.Options{})
	goReady(t, dep)

	c := dial(t, b, testApp("app"), client.Options{})
	require.NoError(t, c.Register(serverext.RequireAppsPacket))
	require.NoError(t, c.Send(serverext.RequireAppsPacket, []protocol.Identifier{testApp("dep").ID}))
	goReady(t, c)
}

func TestRequirePermissionOwnSubpathAutoGrants(t *testing.T) {
	b := newTestBroker(t)
	c := dial(t, b, testApp("app"), client.Options{})
	require.NoError(t, c.Register(permission.RegisterPacket, permission.RequirePacket, permission.GrantPacket))

	grants := make(chan []permission.Type, 1)
	client.Handle(c, permission.GrantPacket, func(types []permission.Type) {
		grants <- types
	})

	permID := testApp("app").ID.Join("permission", "self")
	require.NoError(t, c.Send(permission.RegisterPacket, []permission.Type{{
		ID:       permID,
		Metadata: permission.Metadata{Level: permission.LevelLow, Name: map[string]string{"en": "Self"}},
	}}))
	require.NoError(t, c.Send(permission.RequirePacket, []protocol.Identifier{permID}))
	goReady(t, c)

	granted := waitFor(t, grants)
	require.Len(t, granted, 1)
	assert.True(t, granted[0].ID.Equal(permID))
}

func TestDashboardArbitratesForeignPermission(t *testing.T) {
	b := newTestBroker(t)

	// The owning app declares the permission type.
	owner := dial(t, b, testApp("owner"), client.Options{})
	require.NoError(t, owner.Register(permission.RegisterPacket, permission.RequirePacket, permission.GrantPacket))
	permID := testApp("owner").ID.Join("permission", "use")
	require.NoError(t, owner.Send(permission.RegisterPacket, []permission.Type{{
		ID:       permID,
		Metadata: permission.Metadata{Level: permission.LevelMedium, Name: map[string]string{"en": "Use owner"}},
	}}))
	goReady(t, owner)

	// The dashboard accepts every request it sees.
	dash := dial(t, b, protocol.App{ID: protocol.MustIdentifier("com.hubbub", "dashboard"), Version: "1.0.0"},
		client.Options{Token: dashboardToken})
	require.NoError(t, dash.Register(
		dashboard.PermissionRequestPacket, dashboard.PermissionAcceptPacket,
		dashboard.PermissionDenyPacket, dashboard.OpenAppPacket,
	))
	client.Handle(dash, dashboard.PermissionRequestPacket, func(req permission.Request) {
		dash.Send(dashboard.PermissionAcceptPacket, req.RequestID)
	})
	goReady(t, dash)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	setRes, err := dash.Call(ctx, dashboard.SetEndpoint, nil)
	require.NoError(t, err)
	var set dashboard.SetResponse
	require.NoError(t, json.Unmarshal(setRes, &set))
	require.True(t, set.Success)

	// A foreign app requiring the permission goes ready once accepted.
	c := dial(t, b, testApp("consumer"), client.Options{})
	require.NoError(t, c.Register(permission.RegisterPacket, permission.RequirePacket, permission.GrantPacket))
	require.NoError(t, c.Send(permission.RequirePacket, []protocol.Identifier{permID}))
	goReady(t, c)
}

func TestDashboardSetRequiresDashboardToken(t *testing.T) {
	b := newTestBroker(t)
	c := dial(t, b, testApp("app"), client.Options{})
	goReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Call(ctx, dashboard.SetEndpoint, nil)
	require.Error(t, err)
}

func TestOpenAppWithoutDashboard(t *testing.T) {
	b := newTestBroker(t)
	c := dial(t, b, testApp("app"), client.Options{})
	goReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := json.Marshal(testApp("other"))
	require.NoError(t, err)
	res, err := c.Call(ctx, dashboard.OpenAppEndpoint, req)
	require.NoError(t, err)

	var opened dashboard.OpenAppResponse
	require.NoError(t, json.Unmarshal(res, &opened))
	assert.True(t, opened.DashboardNotConnected)
	assert.False(t, opened.Success)
}

func TestAssetRoute(t *testing.T) {
	b := newTestBroker(t)

	assetID := protocol.MustIdentifier("com.example", "app", "logo")
	path := filepath.Join(b.cfg.DataDir, "assets", assetID.SanitizedPath())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("image-bytes"), 0o600))

	resp, err := http.Get(b.http.URL + "/asset?id=" + assetID.Key())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "max-age=3600", resp.Header.Get("Cache-Control"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(body))

	resp, err = http.Get(b.http.URL + "/asset?id=" + assetID.Key() + "&no_cache")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	resp, err = http.Get(b.http.URL + "/asset?id=com.example:missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyRouteRejectsBadRequests(t *testing.T) {
	b := newTestBroker(t)

	resp, err := http.Get(b.http.URL + "/proxy")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["error"])

	resp, err = http.Get(b.http.URL + "/proxy?url=ftp://example.com/file")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyRouteStreamsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("upstream-body"))
	}))
	defer upstream.Close()

	b := newTestBroker(t)
	resp, err := http.Get(b.http.URL + "/proxy?url=" + upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "upstream-body", string(body))
}

func TestMetricsRoute(t *testing.T) {
	b := newTestBroker(t)
	resp, err := http.Get(b.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}
