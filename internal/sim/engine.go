package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/timectrl"
)

// Event names triggered by the engine.
const (
	EventStepStarted    = "/Simulation/Step/Started"
	EventStepCompleted  = "/Simulation/Step/Completed"
	EventResetCompleted = "/Simulation/Reset/Completed"
	EventCollision      = "/Simulation/Collision"
)

// EngineConfig parameterises the arena.
type EngineConfig struct {
	Agents      int
	ArenaSize   float64 // metres, square arena
	MaxSpeed    float64 // metres per second at full wheel input
	WheelBase   float64 // metres
	SensorRange float64 // metres
	Tick        time.Duration
	Seed        int64
}

// DefaultEngineConfig returns the arena used when nothing is configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Agents:      2,
		ArenaSize:   4,
		MaxSpeed:    0.5,
		WheelBase:   0.1,
		SensorRange: 2,
		Tick:        10 * time.Millisecond,
		Seed:        1,
	}
}

// ApplyDefaults fills zero or invalid fields from DefaultEngineConfig.
func (c EngineConfig) ApplyDefaults() EngineConfig {
	def := DefaultEngineConfig()
	if c.Agents <= 0 {
		c.Agents = def.Agents
	}
	if c.ArenaSize <= 0 {
		c.ArenaSize = def.ArenaSize
	}
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = def.MaxSpeed
	}
	if c.WheelBase <= 0 {
		c.WheelBase = def.WheelBase
	}
	if c.SensorRange <= 0 {
		c.SensorRange = def.SensorRange
	}
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	return c
}

// Agent is a differential-drive robot. It is the ControllableGroup exposed to
// remote controllers.
type Agent struct {
	name string

	left, right         *Value
	posX, posY, heading *Value
	distance            *Value
	stepCount           *Value
	collided            *Value

	x, y, theta float64
}

// Name implements ControllableGroup.
func (a *Agent) Name() string { return a.name }

// InputValues implements ControllableGroup: left and right wheel.
func (a *Agent) InputValues() []*Value { return []*Value{a.left, a.right} }

// OutputValues implements ControllableGroup: position, heading and distance sensors.
func (a *Agent) OutputValues() []*Value {
	return []*Value{a.posX, a.posY, a.heading, a.distance}
}

// InfoValues implements ControllableGroup: step counter and collision flag.
func (a *Agent) InfoValues() []*Value { return []*Value{a.stepCount, a.collided} }

// Pose returns the agent's position and heading.
func (a *Agent) Pose() (x, y, theta float64) { return a.x, a.y, a.theta }

// Engine is a 2D kinematic arena. Steps and resets are serialised by the
// execution lock; all remote mutation of simulation state must hold it too.
type Engine struct {
	execMu sync.Mutex

	cfg    EngineConfig
	clock  *timectrl.TimeController
	values *Values
	events *Events
	groups *Groups
	log    logging.Logger

	agents []*Agent
	rng    *rand.Rand
	seed   int64

	seedValue, stepValue, arenaValue *Value

	evStepStarted, evStepCompleted, evResetCompleted, evCollision *Event
}

// NewEngine builds the arena, registers its values, events and agents and
// places the agents using cfg.Seed.
func NewEngine(cfg EngineConfig, log logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.ApplyDefaults()

	e := &Engine{
		cfg:    cfg,
		clock:  timectrl.NewTimeController(time.Unix(0, 0).UTC(), cfg.Tick, timectrl.Accelerated),
		values: NewValues(),
		events: NewEvents(),
		groups: NewGroups(),
		log:    log,
	}

	e.evStepStarted = e.events.Register(EventStepStarted)
	e.evStepCompleted = e.events.Register(EventStepCompleted)
	e.evResetCompleted = e.events.Register(EventResetCompleted)
	e.evCollision = e.events.Register(EventCollision)

	e.seedValue = NewInt("/Simulation/Seed", cfg.Seed)
	e.stepValue = NewInt("/Simulation/CurrentStep", 0)
	e.arenaValue = NewDouble("/Simulation/Arena/Size", cfg.ArenaSize)
	globals := []*Value{
		e.seedValue,
		e.stepValue,
		e.arenaValue,
		NewDouble("/Simulation/TimeStep", cfg.Tick.Seconds()),
		NewString("/Simulation/Name", "seedlink-arena"),
	}
	for _, v := range globals {
		if err := e.values.Add(v); err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.Agents; i++ {
		a, err := e.newAgent(fmt.Sprintf("Robot%d", i))
		if err != nil {
			return nil, err
		}
		e.agents = append(e.agents, a)
		if err := e.groups.Add(a); err != nil {
			return nil, err
		}
	}

	e.clock.AddListener(e.advance)

	if err := e.ResetSimulation(cfg.Seed); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) newAgent(name string) (*Agent, error) {
	prefix := "/" + name
	a := &Agent{
		name:      name,
		left:      NewInterfaceValue(prefix+"/Motor/Left", -1, 1, 0),
		right:     NewInterfaceValue(prefix+"/Motor/Right", -1, 1, 0),
		posX:      NewInterfaceValue(prefix+"/Position/X", 0, e.cfg.ArenaSize, 0),
		posY:      NewInterfaceValue(prefix+"/Position/Y", 0, e.cfg.ArenaSize, 0),
		heading:   NewInterfaceValue(prefix+"/Heading", -math.Pi, math.Pi, 0),
		distance:  NewInterfaceValue(prefix+"/Sensor/Distance", 0, e.cfg.SensorRange, e.cfg.SensorRange),
		stepCount: NewInterfaceValue(prefix+"/Info/Steps", 0, math.MaxInt32, 0),
		collided:  NewInterfaceValue(prefix+"/Info/Collision", 0, 1, 0),
	}
	all := append(append(a.InputValues(), a.OutputValues()...), a.InfoValues()...)
	for _, v := range all {
		if err := e.values.Add(v); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Values returns the engine's value namespace.
func (e *Engine) Values() *Values { return e.values }

// Events returns the engine's event namespace.
func (e *Engine) Events() *Events { return e.events }

// Groups returns the registry of controllable agents.
func (e *Engine) Groups() *Groups { return e.groups }

// Clock returns the simulation clock.
func (e *Engine) Clock() timectrl.SimClock { return e.clock }

// Agents returns the arena's agents.
func (e *Engine) Agents() []*Agent { return append([]*Agent(nil), e.agents...) }

// Seed returns the seed used by the last reset.
func (e *Engine) Seed() int64 {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	return e.seed
}

// WithExecutionLock runs fn while holding the execution lock.
func (e *Engine) WithExecutionLock(fn func()) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	fn()
}

// ResetSimulation re-places all agents deterministically from seed, zeroes
// their inputs and rewinds the clock.
func (e *Engine) ResetSimulation(seed int64) error {
	e.execMu.Lock()
	e.seed = seed
	e.rng = rand.New(rand.NewSource(seed))
	e.clock.Reset()

	// Arena size changes made through the value namespace take effect here.
	if size := e.arenaValue.Float(); size > 0 {
		e.cfg.ArenaSize = size
	}
	margin := e.cfg.ArenaSize * 0.1
	for _, a := range e.agents {
		a.x = margin + e.rng.Float64()*(e.cfg.ArenaSize-2*margin)
		a.y = margin + e.rng.Float64()*(e.cfg.ArenaSize-2*margin)
		a.theta = (e.rng.Float64()*2 - 1) * math.Pi
		a.left.SetFloat(0)
		a.right.SetFloat(0)
		a.collided.SetFloat(0)
		a.stepCount.SetFloat(0)
		e.publishLocked(a)
	}
	e.seedValue.SetFloat(float64(seed))
	e.stepValue.SetFloat(0)
	e.execMu.Unlock()

	e.log.Debug(context.Background(), "simulation reset", logging.Int("seed", int(seed)))
	e.evResetCompleted.Trigger()
	return nil
}

// ExecuteSimulationStep advances the arena by exactly one tick.
func (e *Engine) ExecuteSimulationStep() error {
	e.clock.Step()
	return nil
}

// advance is the clock listener that integrates one tick.
func (e *Engine) advance(now time.Time) {
	e.evStepStarted.Trigger()

	e.execMu.Lock()
	dt := e.cfg.Tick.Seconds()
	collisions := 0
	for _, a := range e.agents {
		l, r := a.left.Float(), a.right.Float()
		v := (l + r) / 2 * e.cfg.MaxSpeed
		omega := (r - l) * e.cfg.MaxSpeed / e.cfg.WheelBase

		a.theta = wrapAngle(a.theta + omega*dt)
		nx := a.x + v*math.Cos(a.theta)*dt
		ny := a.y + v*math.Sin(a.theta)*dt
		cx := math.Max(0, math.Min(e.cfg.ArenaSize, nx))
		cy := math.Max(0, math.Min(e.cfg.ArenaSize, ny))
		hit := cx != nx || cy != ny
		a.x, a.y = cx, cy

		if hit {
			collisions++
			a.collided.SetFloat(1)
		} else {
			a.collided.SetFloat(0)
		}
		a.stepCount.SetFloat(a.stepCount.Float() + 1)
		e.publishLocked(a)
	}
	e.stepValue.SetFloat(float64(e.clock.Steps()))
	e.execMu.Unlock()

	if collisions > 0 {
		e.evCollision.Trigger()
	}
	e.evStepCompleted.Trigger()
}

func (e *Engine) publishLocked(a *Agent) {
	a.posX.SetFloat(a.x)
	a.posY.SetFloat(a.y)
	a.heading.SetFloat(a.theta)
	a.distance.SetFloat(math.Min(e.cfg.SensorRange, wallDistance(a.x, a.y, a.theta, e.cfg.ArenaSize)))
}

// wallDistance returns the distance along heading theta from (x, y) to the
// boundary of the [0, size]² arena.
func wallDistance(x, y, theta, size float64) float64 {
	dx, dy := math.Cos(theta), math.Sin(theta)
	best := math.Inf(1)
	if dx > 1e-12 {
		best = math.Min(best, (size-x)/dx)
	} else if dx < -1e-12 {
		best = math.Min(best, -x/dx)
	}
	if dy > 1e-12 {
		best = math.Min(best, (size-y)/dy)
	} else if dy < -1e-12 {
		best = math.Min(best, -y/dy)
	}
	return math.Max(0, best)
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// Run free-runs the arena on its own clock until ctx is cancelled or duration
// of simulated time has elapsed (0 runs until cancelled).
func (e *Engine) Run(ctx context.Context, mode timectrl.Mode, duration time.Duration) <-chan struct{} {
	e.clock.Mode = mode
	return e.clock.Start(ctx, duration)
}
