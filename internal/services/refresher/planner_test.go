package refresher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// stubRand always returns the same draw.
type stubRand struct{ v int }

func (s stubRand) Intn(n int) int { return s.v % n }

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := DefaultPlanner()
	s.Equal(5*time.Minute, p.BackoffDelay(1))
	s.Equal(15*time.Minute, p.BackoffDelay(2))
	s.Equal(30*time.Minute, p.BackoffDelay(3))
	s.Equal(60*time.Minute, p.BackoffDelay(4))
	s.Equal(60*time.Minute, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextCheckDelay_Delivered() {
	p := DefaultPlanner()
	s.Equal(365*24*time.Hour, p.NextCheckDelay("DELIVERED"))
}

func (s *PlannerSuite) TestNextCheckDelay_InTransit_Jittered() {
	p := NewPlanner(PlannerConfig{
		InTransitMinDelay: 30 * time.Minute,
		InTransitMaxDelay: 120 * time.Minute,
	}, stubRand{v: 0})
	s.Equal(30*time.Minute, p.NextCheckDelay("IN_TRANSIT"))

	p = NewPlanner(PlannerConfig{
		InTransitMinDelay: 30 * time.Minute,
		InTransitMaxDelay: 120 * time.Minute,
	}, stubRand{v: 90 * 60}) // top of the range
	s.Equal(120*time.Minute, p.NextCheckDelay("IN_TRANSIT"))
}

func (s *PlannerSuite) TestNextCheckDelay_InTransit_NoJitterWhenFixed() {
	p := NewPlanner(PlannerConfig{
		InTransitMinDelay: time.Minute,
		InTransitMaxDelay: time.Minute,
	}, nil)
	s.Equal(time.Minute, p.NextCheckDelay("IN_TRANSIT"))
}

func (s *PlannerSuite) TestNextCheckDelay_Unknown() {
	p := DefaultPlanner()
	s.Equal(90*time.Minute, p.NextCheckDelay("UNKNOWN"))
	s.Equal(90*time.Minute, p.NextCheckDelay("SOMETHING_ELSE"))
}

func (s *PlannerSuite) TestConfigClamping() {
	p := NewPlanner(PlannerConfig{
		InTransitMinDelay: 2 * time.Hour,
		InTransitMaxDelay: time.Hour, // below min, clamped up
	}, stubRand{v: 0})
	s.Equal(2*time.Hour, p.NextCheckDelay("IN_TRANSIT"))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
