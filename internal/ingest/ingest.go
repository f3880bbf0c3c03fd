// Package ingest is the pipeline's glue: it turns a decoded ISUP access
// event or a parsed ISAPI event into a NormalizedEvent, resolves its
// tenant, dispatches it upstream, and falls back to the durable pending
// store on failure, mirroring the original EventProcessor's
// dispatch-then-save-on-failure shape.
package ingest

import (
	"log"
	"time"

	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/normalize"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/tenant"
)

// Pipeline wires tenant resolution, upstream dispatch, and the pending
// store behind the three inbound source interfaces (isup.Dispatcher,
// isapi.EventHandler, isapiserver.Handler).
type Pipeline struct {
	resolver   *tenant.Resolver
	dispatcher *dispatch.Dispatcher
	store      *pending.Store
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// New constructs a Pipeline.
func New(resolver *tenant.Resolver, dispatcher *dispatch.Dispatcher, store *pending.Store, m *metrics.Metrics, logger *log.Logger) *Pipeline {
	return &Pipeline{resolver: resolver, dispatcher: dispatcher, store: store, metrics: m, logger: logger}
}

// Dispatch implements isup.Dispatcher.
func (p *Pipeline) Dispatch(evt *isup.AccessEvent, remoteAddr string) {
	p.metrics.RecordEventReceived(string(normalize.SourceISUP))
	ne := normalize.FromISUP(evt, remoteAddr)
	p.route(ne)
}

// HandleEvent implements isapi.EventHandler, used by the alert-stream
// client.
func (p *Pipeline) HandleEvent(source string, clientAddr string, evt isapi.Event, images map[string][]byte) {
	ne := normalize.FromISAPI(normalize.Source(source), evt, clientAddr, time.Now(), images)
	p.metrics.RecordEventReceived(source)
	p.route(ne)
}

// HandleISAPIEvent implements isapiserver.Handler, used by the inbound
// webhook server.
func (p *Pipeline) HandleISAPIEvent(clientAddr string, evt isapi.Event, images map[string][]byte) {
	ne := normalize.FromISAPI(normalize.SourceISAPIWebhook, evt, clientAddr, time.Now(), images)
	p.metrics.RecordEventReceived(string(normalize.SourceISAPIWebhook))
	p.route(ne)
}

// route resolves evt's tenant and either dispatches it upstream or, per
// §3's routing invariant, drops it without queuing when no tenant
// resolves. A resolved event that fails dispatch is persisted to the
// pending store regardless of whether the failure was transient or
// permanent, per §7's UpstreamTransient/UpstreamPermanent error policy.
func (p *Pipeline) route(evt normalize.Event) {
	t, found := p.resolver.Find(evt.DeviceID)
	if !found {
		p.logger.Printf("routing error: no tenant for device %q, dropping event (source=%s)", evt.DeviceID, evt.Source)
		return
	}

	start := time.Now()
	err := p.dispatcher.Dispatch(t, evt)
	p.metrics.RecordDispatchOutcome(t.Name, err == nil, time.Since(start))

	if err == nil {
		return
	}

	p.logger.Printf("dispatch to tenant %s failed, saving to pending store: %v", t.Name, err)
	if _, saveErr := p.store.Save(t.Name, evt); saveErr != nil {
		p.logger.Printf("StoreError: failed to persist event for tenant %s, event lost: %v", t.Name, saveErr)
	}
	if count, err := p.store.Count(); err == nil {
		p.metrics.SetPending(count)
	}
}
