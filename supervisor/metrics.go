package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"zombiezen.com/go/log"
)

type MetricsRegistry struct {
	scope    tally.Scope
	closer   io.Closer
	reporter promreporter.Reporter
	ctx      context.Context
	httpPort int
}

func NewMetricRegistry(httpPort int) *MetricsRegistry {
	r := promreporter.NewReporter(promreporter.Options{})

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "droverd",
		Tags:           map[string]string{},
		CachedReporter: r,
		Separator:      promreporter.DefaultSeparator,
	}, 1*time.Second)

	return &MetricsRegistry{
		scope:    scope,
		closer:   closer,
		reporter: r,
		ctx:      context.Background(),
		httpPort: httpPort,
	}
}

func (r *MetricsRegistry) CountCensusRebuild() {
	r.scope.Counter("census_rebuild_count").Inc(1)
}

func (r *MetricsRegistry) CountElection() {
	r.scope.Counter("election_count").Inc(1)
}

func (r *MetricsRegistry) CountLeaderChange() {
	r.scope.Counter("leader_change_count").Inc(1)
}

func (r *MetricsRegistry) CountUpdateApplied(version string) {
	r.scope.Tagged(map[string]string{"version": version}).Counter("update_apply_count").Inc(1)
}

func (r *MetricsRegistry) CountUpdateFailure(version string) {
	r.scope.Tagged(map[string]string{"version": version}).Counter("update_failure_count").Inc(1)
}

func (r *MetricsRegistry) TimeEvaluation(f func() error) error {
	tsw := r.scope.Timer("evaluate_timer").Start()
	err := f()
	tsw.Stop()
	return err
}

func (r *MetricsRegistry) TimeInstall(f func() error) error {
	tsw := r.scope.Timer("install_timer").Start()
	err := f()
	tsw.Stop()
	return err
}

func (r *MetricsRegistry) Serve() error {
	port := r.httpPort
	http.Handle("/metrics", r.reporter.HTTPHandler())
	log.Infof(r.ctx, "Serving 0.0.0.0:%d/metrics", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), nil); err != nil {
		return fmt.Errorf("unable to serve metrics: %v", err)
	} else {
		select {}
	}
}
