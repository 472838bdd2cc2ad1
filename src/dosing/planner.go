package dosing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Moth-Balls/Hydro-Assist/src/report"
)

var ErrUnknownPump = errors.New("unknown pump")

// Rule keeps one quantity inside [Target-Deadband, Target+Deadband].
//
// Raise and Lower map pump names to their share of the dose used when the
// estimate is below or above the band. An empty map means nothing can move the
// quantity that way.
type Rule struct {
	Quantity  string
	Target    float32
	Deadband  float32
	MLPerUnit float32
	MaxML     float32
	Cooldown  time.Duration
	Raise     map[string]float32
	Lower     map[string]float32

	// Estimates outside [ValidMin, ValidMax] are ignored. ValidMax <= ValidMin
	// disables the upper bound.
	ValidMin float32
	ValidMax float32
}

func (r Rule) plausible(v float32) bool {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return false
	}
	if v < r.ValidMin {
		return false
	}
	return r.ValidMax <= r.ValidMin || v <= r.ValidMax
}

// Dose is one planned pump run.
type Dose struct {
	Pump     string  `json:"pump"`
	Quantity string  `json:"quantity"`
	ML       float32 `json:"ml"`
}

// Planner turns cycle estimates into doses.
type Planner struct {
	rules []Rule
	last  map[string]time.Time
}

func NewPlanner(rules ...Rule) *Planner {
	return &Planner{rules: rules, last: make(map[string]time.Time)}
}

// Plan returns the doses for c. Quantities that are missing, degraded, implausible,
// inside their band or still cooling down produce nothing.
func (p *Planner) Plan(c report.Cycle) []Dose {
	var doses []Dose
	for _, rule := range p.rules {
		r, ok := c.Lookup(rule.Quantity)
		if !ok || r.Degraded {
			continue
		}
		if !rule.plausible(r.Estimate) {
			log.WithFields(log.Fields{
				"QUANTITY": rule.Quantity,
				"ESTIMATE": r.Estimate,
			}).Warn("implausible estimate, not dosing")
			continue
		}
		if last, ok := p.last[rule.Quantity]; ok && c.Time.Sub(last) < rule.Cooldown {
			continue
		}

		errAbs := r.Estimate - rule.Target
		var shares map[string]float32
		switch {
		case errAbs > rule.Deadband:
			shares = rule.Lower
		case errAbs < -rule.Deadband:
			shares = rule.Raise
		default:
			continue
		}

		total := float32(math.Abs(float64(errAbs))) * rule.MLPerUnit
		if rule.MaxML > 0 && total > rule.MaxML {
			total = rule.MaxML
		}
		planned := split(rule.Quantity, total, shares)
		if len(planned) == 0 {
			continue
		}
		doses = append(doses, planned...)
		p.last[rule.Quantity] = c.Time
	}
	return doses
}

func split(quantity string, total float32, shares map[string]float32) []Dose {
	var sum float32
	names := make([]string, 0, len(shares))
	for name, share := range shares {
		if share <= 0 {
			continue
		}
		sum += share
		names = append(names, name)
	}
	if sum == 0 || total <= 0 {
		return nil
	}
	sort.Strings(names)

	doses := make([]Dose, 0, len(names))
	for _, name := range names {
		doses = append(doses, Dose{
			Pump:     name,
			Quantity: quantity,
			ML:       total * shares[name] / sum,
		})
	}
	return doses
}

// Doser runs the planner's doses on the pumps.
type Doser struct {
	planner *Planner
	pumps   map[string]*Pump
	dryRun  bool
}

func NewDoser(planner *Planner, pumps []*Pump, dryRun bool) *Doser {
	m := make(map[string]*Pump, len(pumps))
	for _, pump := range pumps {
		m[pump.Name] = pump
	}
	return &Doser{planner: planner, pumps: m, dryRun: dryRun}
}

// Apply plans and runs the doses for c, one pump at a time. It returns the doses
// that were run.
func (d *Doser) Apply(ctx context.Context, c report.Cycle) ([]Dose, error) {
	planned := d.planner.Plan(c)
	done := make([]Dose, 0, len(planned))
	for _, dose := range planned {
		logger := log.WithFields(log.Fields{
			"PUMP":     dose.Pump,
			"QUANTITY": dose.Quantity,
			"ML":       dose.ML,
		})
		if d.dryRun {
			logger.Info("dry run, skipping dose")
			done = append(done, dose)
			continue
		}

		pump, ok := d.pumps[dose.Pump]
		if !ok {
			return done, fmt.Errorf("%w: %s", ErrUnknownPump, dose.Pump)
		}
		if err := pump.Dose(ctx, dose.ML); err != nil {
			return done, err
		}
		logger.Info("dosed")
		done = append(done, dose)
	}
	return done, nil
}

// Pump returns the named pump.
func (d *Doser) Pump(name string) (*Pump, bool) {
	p, ok := d.pumps[name]
	return p, ok
}

// TestAll runs Test on every pump in name order.
func (d *Doser) TestAll(ctx context.Context) error {
	names := make([]string, 0, len(d.pumps))
	for name := range d.pumps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.WithFields(log.Fields{
			"PUMP": name,
		}).Info("testing pump")
		if err := d.pumps[name].Test(ctx); err != nil {
			return err
		}
	}
	return nil
}
