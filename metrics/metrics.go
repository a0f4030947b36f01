package metrics

import (
	"context"
	"fmt"
	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"io"
	"net/http"
	"time"
	"zombiezen.com/go/log"
)

type Registry struct {
	scope    tally.Scope
	closer   io.Closer
	reporter promreporter.Reporter
	ctx      context.Context
	httpPort int
}

func NewRegistry(prefix string, httpPort int) *Registry {
	r := promreporter.NewReporter(promreporter.Options{})

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         prefix,
		Tags:           map[string]string{},
		CachedReporter: r,
		Separator:      promreporter.DefaultSeparator,
	}, 1*time.Second)

	return &Registry{
		scope:    scope,
		closer:   closer,
		reporter: r,
		ctx:      context.Background(),
		httpPort: httpPort,
	}
}

// NewNoopRegistry discards everything; used by tests and embedders that do
// not want a metrics endpoint.
func NewNoopRegistry() *Registry {
	return &Registry{
		scope: tally.NoopScope,
		ctx:   context.Background(),
	}
}

func (r *Registry) Scope() tally.Scope {
	return r.scope
}

func (r *Registry) CountMessageSent(destinations int) {
	r.scope.Counter("messages_sent").Inc(int64(destinations))
}

func (r *Registry) CountMessageReceived() {
	r.scope.Counter("messages_received").Inc(1)
}

func (r *Registry) CountSendFailures(n int) {
	r.scope.Counter("send_failures").Inc(int64(n))
}

func (r *Registry) CountReceiveError() {
	r.scope.Counter("receive_errors").Inc(1)
}

func (r *Registry) CountRecovery() {
	r.scope.Counter("recoveries").Inc(1)
}

func (r *Registry) CountMemberAdded() {
	r.scope.Counter("members_added").Inc(1)
}

func (r *Registry) CountMemberExpired() {
	r.scope.Counter("members_expired").Inc(1)
}

func (r *Registry) UpdateMemberCount(n int) {
	r.scope.Gauge("members").Update(float64(n))
}

func (r *Registry) TimeHeartbeat(f func() error) error {
	r.scope.Counter("heartbeats").Inc(1)
	tsw := r.scope.Timer("heartbeat_timer").Start()
	err := f()
	tsw.Stop()
	return err
}

func (r *Registry) TimeRPC(policy string, f func() error) error {
	tagged := r.scope.Tagged(map[string]string{"policy": policy})
	tagged.Counter("rpc_calls").Inc(1)
	tsw := tagged.Timer("rpc_timer").Start()
	err := f()
	tsw.Stop()
	return err
}

func (r *Registry) CountRPCTimeout(policy string) {
	r.scope.Tagged(map[string]string{"policy": policy}).Counter("rpc_timeouts").Inc(1)
}

func (r *Registry) CountLeftOver() {
	r.scope.Counter("rpc_leftovers").Inc(1)
}

func (r *Registry) CountElection(outcome string) {
	r.scope.Tagged(map[string]string{"outcome": outcome}).Counter("elections").Inc(1)
}

func (r *Registry) CountMapOperation(mapID, op string) {
	r.scope.Tagged(map[string]string{"map": mapID, "op": op}).Counter("map_operations").Inc(1)
}

func (r *Registry) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Registry) Serve() error {
	if r.reporter == nil {
		return fmt.Errorf("unable to serve metrics: no reporter configured")
	}
	port := r.httpPort
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.reporter.HTTPHandler())
	log.Infof(r.ctx, "Serving 0.0.0.0:%d/metrics", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		return fmt.Errorf("unable to serve metrics: %v", err)
	}
	return nil
}
