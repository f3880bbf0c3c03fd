package ingest

import (
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/tenant"
)

// m is constructed once for this test binary; a second metrics.New() call
// in the same process panics on duplicate Prometheus registration.
var m = metrics.New()

func testLogger(prefix string) *log.Logger {
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}

func newPipeline(t *testing.T, resolver *tenant.Resolver) (*Pipeline, *pending.Store) {
	store, err := pending.NewStore(t.TempDir(), 30, testLogger("PENDING"))
	require.NoError(t, err)
	d := dispatch.New(time.Second, testLogger("DISPATCH"))
	return New(resolver, d, store, m, testLogger("INGEST")), store
}

func TestDispatchUnresolvedDeviceIsDroppedNotQueued(t *testing.T) {
	resolver := tenant.NewResolver(nil, nil)
	p, store := newPipeline(t, resolver)

	evt := &isup.AccessEvent{DeviceID: "UNKNOWN", Timestamp: time.Now()}
	p.Dispatch(evt, "10.0.0.1:1234")

	records, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records, "an event with no resolvable tenant must never be queued")
}

func TestDispatchResolvedDeviceDeliveredUpstream(t *testing.T) {
	delivered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resolver := tenant.NewResolver(map[string]tenant.Tenant{
		"acme": {Name: "acme", UpstreamURL: server.URL},
	}, map[string]string{"DEV1": "acme"})
	p, store := newPipeline(t, resolver)

	evt := &isup.AccessEvent{DeviceID: "DEV1", Timestamp: time.Now()}
	p.Dispatch(evt, "10.0.0.1:1234")

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered upstream")
	}

	records, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records, "a successful dispatch must not leave a pending record")
}

func TestDispatchFailedDeliverySavesToPendingStore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	resolver := tenant.NewResolver(map[string]tenant.Tenant{
		"acme": {Name: "acme", UpstreamURL: server.URL},
	}, map[string]string{"DEV1": "acme"})
	p, store := newPipeline(t, resolver)

	evt := &isup.AccessEvent{DeviceID: "DEV1", Timestamp: time.Now()}
	p.Dispatch(evt, "10.0.0.1:1234")

	records, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acme", records[0].Tenant)
}

func TestHandleISAPIEventRoutesThroughNormalization(t *testing.T) {
	delivered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resolver := tenant.NewResolver(map[string]tenant.Tenant{
		"acme": {Name: "acme", UpstreamURL: server.URL},
	}, map[string]string{"AA:BB:CC:DD:EE:FF": "acme"})
	p, _ := newPipeline(t, resolver)

	evt := isapi.Event{MacAddress: "AA:BB:CC:DD:EE:FF", CardNo: "999"}
	p.HandleISAPIEvent("192.168.1.10", evt, nil)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("ISAPI event was not delivered upstream")
	}
}
