package memorystore

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSweepSchedule runs a sweep every minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper drops expired entries and reports how many it removed.
type Sweeper interface {
	Sweep() int
}

// Janitor periodically sweeps expired entries out of in-memory state such
// as a KV. Abandoned deferred logins otherwise linger until someone reads
// their key.
type Janitor struct {
	targets []Sweeper
	cron    *cron.Cron
	log     logrus.FieldLogger
}

// NewJanitor schedules sweeps of targets. An empty schedule uses
// DefaultSweepSchedule; any robfig/cron schedule expression is accepted.
func NewJanitor(schedule string, log logrus.FieldLogger, targets ...Sweeper) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	j := &Janitor{targets: targets, cron: cron.New(), log: log.WithField("component", "memorystore_janitor")}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("memorystore: invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) run() {
	n := 0
	for _, t := range j.targets {
		n += t.Sweep()
	}
	if n > 0 {
		j.log.WithField("swept", n).Debug("expired_entries_swept")
	}
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }
