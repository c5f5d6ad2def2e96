// Package supervisor runs one service replica's coordinator: it announces
// the local member into the membership substrate, maintains the local view
// of its service group, derives the census and leader from that view, and
// applies version updates according to the group's update strategy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/drover-io/drover/census"
	"github.com/drover-io/drover/cluster"
	"github.com/drover-io/drover/cluster/storage"
	"github.com/drover-io/drover/cluster/table"
	"github.com/drover-io/drover/depot"
	"github.com/drover-io/drover/rollout"
	"zombiezen.com/go/log"
)

type Config struct {
	MemberID          string
	Hostname          string
	RoutableIP        string
	ServicePort       int
	MetricsPort       int
	Service           string
	Group             string
	Strategy          rollout.Strategy
	Tags              []string
	TableStoreDSN     string
	RedisHostPort     string
	InstallDir        string
	InitialVersion    string
	HeartbeatInterval time.Duration
	SuspicionWindow   time.Duration
	SuspicionQuorum   int
}

type Supervisor struct {
	ctx               context.Context
	service           string
	group             string
	table             *table.MembershipTable
	targets           depot.TargetSource
	sink              depot.TargetSink
	installer         depot.Installer
	engine            *rollout.Engine
	metrics           *MetricsRegistry
	httpClient        *http.Client
	heartbeatInterval time.Duration
	startEpoch        int64

	retryStrategies []strategy.Strategy

	mu       sync.Mutex
	self     cluster.Member
	leaderID string
	inflight bool
}

func New(ctx context.Context, config Config) (*Supervisor, error) {
	depotClient := depot.NewClient(config.RedisHostPort)
	if !depotClient.Healthy() {
		return nil, fmt.Errorf("unable to connect to redis at %v", config.RedisHostPort)
	}

	installer, err := depot.NewLocalInstaller(depotClient, config.Service, config.InstallDir, config.InitialVersion)
	if err != nil {
		return nil, err
	}

	tableStore, err := storage.NewPostgresqlMemberStore(config.TableStoreDSN)
	if err != nil {
		return nil, err
	}

	return newSupervisor(ctx, config, tableStore, depotClient, depotClient, installer, NewMetricRegistry(config.MetricsPort)), nil
}

func newSupervisor(ctx context.Context, config Config, store storage.MemberStore, targets depot.TargetSource, sink depot.TargetSink, installer depot.Installer, metrics *MetricsRegistry) *Supervisor {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.SuspicionWindow == 0 {
		config.SuspicionWindow = 60 * time.Second
	}
	if config.SuspicionQuorum == 0 {
		config.SuspicionQuorum = 1
	}

	tableConfig := table.Config{
		Service:         config.Service,
		Group:           config.Group,
		SuspicionWindow: config.SuspicionWindow,
		SuspicionQuorum: config.SuspicionQuorum,
	}

	startEpoch := time.Now().UnixMicro()
	self := cluster.Member{
		ID:             config.MemberID,
		Hostname:       config.Hostname,
		Address:        fmt.Sprintf("%s:%d", config.RoutableIP, config.ServicePort),
		Service:        config.Service,
		Group:          config.Group,
		Incarnation:    startEpoch,
		PackageVersion: installer.CurrentVersion(),
		Health:         cluster.HealthAlive,
		Tags:           config.Tags,
	}

	return &Supervisor{
		ctx:               ctx,
		service:           config.Service,
		group:             config.Group,
		table:             table.NewTable(ctx, store, tableConfig),
		targets:           targets,
		sink:              sink,
		installer:         installer,
		engine:            rollout.NewEngine(config.Strategy),
		metrics:           metrics,
		httpClient:        &http.Client{Timeout: 2 * time.Second},
		heartbeatInterval: config.HeartbeatInterval,
		startEpoch:        startEpoch,
		self:              self,
		retryStrategies: []strategy.Strategy{
			strategy.Limit(5),
			strategy.Backoff(backoff.BinaryExponential(250 * time.Millisecond)),
		},
	}
}

func (s *Supervisor) Ping() int64 {
	return s.startEpoch
}

// Member returns a copy of the local member's current record.
func (s *Supervisor) Member() cluster.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Census derives a read-only snapshot of the service group for the
// operator surface.
func (s *Supervisor) Census() *census.Group {
	grp := census.Rebuild(s.service, s.group, s.table.Snapshot())
	s.mu.Lock()
	grp.LeaderID = s.leaderID
	s.mu.Unlock()

	// The seat empties the moment its holder stops being alive, even if
	// the next evaluation has not run yet.
	if _, ok := grp.Leader(); !ok {
		grp.LeaderID = ""
	}
	return grp
}

// SetTarget validates and publishes a new target version for the group.
// This is the only external action that starts a rollout.
func (s *Supervisor) SetTarget(version string) error {
	if _, err := rollout.ParseVersion(version); err != nil {
		return err
	}
	return s.sink.SetTarget(s.service, s.group, version)
}

// Evaluate runs one census rebuild, election, and strategy decision over
// the current membership snapshot. It is triggered by membership changes
// and on the heartbeat, never inline with store refresh.
func (s *Supervisor) Evaluate() error {
	return s.metrics.TimeEvaluation(func() error {
		grp := census.Rebuild(s.service, s.group, s.table.Snapshot())
		s.metrics.CountCensusRebuild()

		s.mu.Lock()
		incumbent := s.leaderID
		s.mu.Unlock()

		leaderID, elected := census.Elect(grp, incumbent)
		s.metrics.CountElection()
		grp.LeaderID = leaderID
		if leaderID != incumbent {
			s.metrics.CountLeaderChange()
			if elected {
				log.Infof(s.ctx, "Leader for %s.%s is now %s", s.service, s.group, leaderID)
			} else {
				log.Infof(s.ctx, "No quorum in %s.%s (%d alive of %d needed), election suspended",
					s.service, s.group, len(grp.Alive()), grp.QuorumSize)
			}
			s.mu.Lock()
			s.leaderID = leaderID
			s.mu.Unlock()
		}

		target, err := s.targets.GetTarget(s.service, s.group)
		if err != nil {
			return fmt.Errorf("unable to read target version: %v", err)
		}

		s.mu.Lock()
		local := s.self
		s.mu.Unlock()

		decision, err := s.engine.Decide(grp, &local, target)
		if err != nil {
			var cfgErr *rollout.ConfigError
			if errors.As(err, &cfgErr) {
				log.Errorf(s.ctx, "Rollout halted for %s.%s: %v", s.service, s.group, err)
			}
			return err
		}

		if decision == rollout.Apply {
			s.beginApply(target, true)
		} else if s.resumable() {
			s.beginApply(target, false)
		}

		return s.syncSelf(leaderID)
	})
}

// resumable reports whether a rolling apply was interrupted (all retries
// spent, process still mid-update) and should be picked back up.
func (s *Supervisor) resumable() bool {
	if s.engine.Strategy() != rollout.StrategyRolling {
		return false
	}
	if s.engine.Coordinator().State() != rollout.StateUpdating {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.inflight
}

func (s *Supervisor) beginApply(target string, begin bool) {
	s.mu.Lock()
	if s.inflight {
		s.mu.Unlock()
		return
	}
	s.inflight = true
	s.mu.Unlock()

	if begin && s.engine.Strategy() == rollout.StrategyRolling {
		s.engine.Coordinator().Begin()
	}

	go s.applyUpdate(target)
}

// applyUpdate runs the long-running install off the coordination path.
// Failure leaves the member's announced version untouched; peers proceed
// per their own state machines while we retry.
func (s *Supervisor) applyUpdate(target string) {
	defer func() {
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
	}()

	log.Infof(s.ctx, "Applying %s.%s update to version %s", s.service, s.group, target)

	err := s.metrics.TimeInstall(func() error {
		return retry.Retry(func(attempt uint) error {
			if attempt > 0 {
				log.Warnf(s.ctx, "Retrying install of %s (attempt %d)", target, attempt+1)
			}
			return s.installer.Install(s.ctx, target)
		}, s.retryStrategies...)
	})

	if err != nil {
		s.metrics.CountUpdateFailure(target)
		log.Warnf(s.ctx, "Unable to install %s: %v -- will retry on next evaluation", target, err)
		return
	}

	s.metrics.CountUpdateApplied(target)
	if s.engine.Strategy() == rollout.StrategyRolling {
		s.engine.Coordinator().Complete()
	}
	log.Infof(s.ctx, "Now running %s version %s", s.service, target)

	if err := s.syncSelf(s.currentLeader()); err != nil {
		log.Warnf(s.ctx, "Unable to announce new version: %v", err)
	}
}

func (s *Supervisor) currentLeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// syncSelf folds the installer's version, our vote, and the rollout state
// into the local record and re-announces it when anything moved. Every
// payload change bumps the incarnation so peers discard the old record.
func (s *Supervisor) syncSelf(vote string) error {
	version := s.installer.CurrentVersion()
	state := ""
	if s.engine.Strategy() == rollout.StrategyRolling {
		state = s.engine.Coordinator().State().String()
	}

	s.mu.Lock()
	changed := s.self.PackageVersion != version || s.self.Vote != vote || s.self.RolloutState != state
	if changed {
		s.self.PackageVersion = version
		s.self.Vote = vote
		s.self.RolloutState = state
		s.self.Incarnation++
	}
	self := s.self
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.table.Announce(&self)
}

func (s *Supervisor) StartAnnounceProcess() error {
	for {
		s.mu.Lock()
		self := s.self
		s.mu.Unlock()

		if err := s.table.Announce(&self); err != nil {
			log.Warnf(s.ctx, "Unable to announce ourselves: %v", err)
		} else {
			log.Debugf(s.ctx, "Announced ourselves as %v -- will heartbeat again in %0.2f seconds", &self, s.heartbeatInterval.Seconds())
		}
		time.Sleep(s.heartbeatInterval)
	}
}

func (s *Supervisor) StartMonitorProcess() error {
	for {
		if err := s.table.Refresh(); err != nil {
			log.Warnf(s.ctx, "Unable to refresh membership table: %v", err)
		}

		s.mu.Lock()
		self := s.self
		s.mu.Unlock()

		log.Debugf(s.ctx, "Pinging %d members of %s.%s", s.table.Size(), s.service, s.group)
		for _, m := range s.table.Snapshot() {
			if m.ID == self.ID || m.Health == cluster.HealthDeparted {
				continue
			}

			peer := m
			if err := s.pingMember(&peer); err != nil {
				log.Infof(s.ctx, "Suspect that %s is dead: %v", peer.ID, err)
				s.table.MarkSuspect(peer.ID)
				if err := s.table.Suspect(&self, &peer); err != nil {
					log.Warnf(s.ctx, "Unable to suspect %s: %v", peer.ID, err)
				}
			} else {
				s.table.MarkAlive(peer.ID)
			}
		}

		time.Sleep(s.heartbeatInterval)
	}
}

func (s *Supervisor) pingMember(m *cluster.Member) error {
	resp, err := s.httpClient.Get(fmt.Sprintf("http://%s/v1/ping", m.Address))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *Supervisor) StartEvaluateProcess() error {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.table.Changes():
		case <-ticker.C:
		}

		if err := s.Evaluate(); err != nil {
			log.Warnf(s.ctx, "Evaluation failed: %v", err)
		}
	}
}

func (s *Supervisor) Start() error {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	if err := s.table.Announce(&self); err != nil {
		return fmt.Errorf("unable to join %s.%s: %v", s.service, s.group, err)
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		log.Infof(s.ctx, "Starting announcement process")
		if err := s.StartAnnounceProcess(); err != nil {
			log.Warnf(s.ctx, "Unable to start announcement process: %v", err)
		}
	}()

	go func() {
		log.Infof(s.ctx, "Starting monitor process")
		if err := s.StartMonitorProcess(); err != nil {
			log.Warnf(s.ctx, "Unable to start monitor process: %v", err)
		}
	}()

	go func() {
		log.Infof(s.ctx, "Starting evaluation process")
		if err := s.StartEvaluateProcess(); err != nil {
			log.Warnf(s.ctx, "Unable to start evaluation process: %v", err)
		}
	}()

	go func() {
		log.Infof(s.ctx, "Starting metrics service")
		if err := s.metrics.Serve(); err != nil {
			log.Warnf(s.ctx, "Unable to start metrics service: %v", err)
		}
	}()

	wg.Wait()
	return nil
}
