package reading

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	MinTemperature = 0
	MaxTemperature = 27
)

// SensorReading is one temperature/location sample for a vaccine batch.
// Every field travels as a JSON string, which is what the supply-chain
// chaincode unmarshals into.
type SensorReading struct {
	Temperature         int     `json:"temperature,string"`
	Timestamp           int64   `json:"timestamp,string"`
	TemperatureSensorID string  `json:"temperatureSensorId"`
	Longitude           float64 `json:"longitude,string"`
	Latitude            float64 `json:"latitude,string"`
}

// Time returns the reading timestamp as a time.Time.
func (r SensorReading) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// RandomTemperature returns a uniformly distributed integer in
// [ceil(min), floor(max)]. Bounds outside the int range are clamped to it;
// a NaN bound counts as 0.
func RandomTemperature(min, max float64) int {
	return randomInt(globalSource{}, min, max)
}

type uint64Source interface {
	Uint64() uint64
	Uint64N(n uint64) uint64
}

type globalSource struct{}

func (globalSource) Uint64() uint64          { return rand.Uint64() }
func (globalSource) Uint64N(n uint64) uint64 { return rand.Uint64N(n) }

func randomInt(src uint64Source, min, max float64) int {
	lo := toInt(math.Ceil(min))
	hi := toInt(math.Floor(max))
	if hi < lo {
		return lo
	}

	// width-1 fits a uint64 even when hi-lo overflows int
	span := uint64(int64(hi) - int64(lo))
	var n uint64
	if span == math.MaxUint64 {
		n = src.Uint64()
	} else {
		n = src.Uint64N(span + 1)
	}
	return int(int64(lo) + int64(n))
}

func toInt(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= float64(math.MaxInt):
		return math.MaxInt
	case f <= float64(math.MinInt):
		return math.MinInt
	}
	return int(f)
}

type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

type Option func(g *Generator)

// WithSeed makes the generator deterministic.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		g.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now: time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Next builds a fresh reading for the given sensor.
func (g *Generator) Next(sensorID string) SensorReading {
	ts := g.now().UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	return SensorReading{
		Temperature:         randomInt(g.rnd, MinTemperature, MaxTemperature),
		Timestamp:           ts,
		TemperatureSensorID: sensorID,
		// latitude shares the longitude range
		Longitude: g.coordinate(),
		Latitude:  g.coordinate(),
	}
}

func (g *Generator) coordinate() float64 {
	return g.rnd.Float64()*360 - 180
}
