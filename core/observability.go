package core

import "time"

// ParseRecord captures one finished page parse.
type ParseRecord struct {
	URL        string
	WorkerID   WorkerID
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Bytes      int64
	Tags       int
	Err        string
}

// RegistryStats represents runtime observability state for a WorkerRegistry.
type RegistryStats struct {
	Workers   map[string]int
	Started   uint64
	Cancelled uint64
	Joined    uint64
	Reaped    uint64
	Closed    bool
}

// EngineStats represents runtime observability state for a page engine.
type EngineStats struct {
	InFlight  int
	Requested uint64
	Ready     uint64
	Failed    uint64
	Closed    bool
}

// RunnerStats represents runtime observability state for a foreground runner.
type RunnerStats struct {
	Name         string
	Pending      int
	Executed     uint64
	Panics       uint64
	Closed       bool
	LastTaskAt   time.Time
	LastDuration time.Duration
}
