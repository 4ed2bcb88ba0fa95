// Package statusreport periodically summarizes the state of the monitors
// and the delivery pipeline to the log and, optionally, to the sink.
package statusreport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dmwatch/internal/monitor"
	"dmwatch/internal/notifier"
	"dmwatch/internal/rules"
	logx "dmwatch/pkg/logx"
)

const defaultSchedule = "0 * * * *"

type Config struct {
	Enabled  bool
	Schedule string // cron spec; default hourly
	ToSink   bool
}

// Providers supplies the data the report is built from. Nil fields are
// simply left out of the summary.
type Providers struct {
	Monitors      func() []monitor.MonitorStatus
	NotifierStats func() notifier.Stats
	RuleStats     func() map[string]rules.Stats
	// Send delivers the rendered report to the sink when ToSink is set.
	Send func(ctx context.Context, text string) error
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	prov   Providers
	parser cron.Parser
	c      *cron.Cron

	started time.Time
}

func New(cfg Config, prov Providers, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "statusreport")),
		prov:   prov,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("status report schedule %q: %w", spec, err)
	}

	s.started = time.Now()
	s.c = cron.New(cron.WithParser(s.parser))
	_, err := s.c.AddFunc(spec, func() { s.emit(ctx) })
	if err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("status report scheduled", logx.String("spec", spec))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Service) emit(ctx context.Context) {
	text := s.render()
	s.log.Info("status report", logx.String("report", text))

	s.mu.Lock()
	toSink := s.cfg.ToSink
	send := s.prov.Send
	s.mu.Unlock()
	if toSink && send != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := send(cctx, text); err != nil {
			s.log.Warn("status report delivery failed", logx.Err(err))
		}
	}
}

func (s *Service) render() string {
	s.mu.Lock()
	prov := s.prov
	started := s.started
	s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "dmwatch status (up %s)\n", time.Since(started).Round(time.Second))

	if prov.Monitors != nil {
		ms := prov.Monitors()
		sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
		for _, m := range ms {
			state := "disconnected"
			if m.Connected {
				state = "connected"
			}
			fmt.Fprintf(&b, "- %s: %s, attempt=%d, failures=%d, panics=%d\n",
				m.Name, state, m.Attempt, m.Failures, m.Panics)
		}
	}

	if prov.RuleStats != nil {
		stats := prov.RuleStats()
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := stats[name]
			fmt.Fprintf(&b, "- %s events: seen=%d pings=%d forwarded=%d\n",
				name, st.Events, st.Pings, st.Forwarded)
		}
	}

	if prov.NotifierStats != nil {
		st := prov.NotifierStats()
		fmt.Fprintf(&b, "- notifier: sent=%d failed=%d deduped=%d dropped=%d\n",
			st.Sent, st.Failed, st.Deduped, st.Dropped)
	}

	return strings.TrimRight(b.String(), "\n")
}
