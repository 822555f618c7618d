package duckup

type ActionConfigurator func(a *Action)

// Action narrows a single run. Target is an id (e.g. 003): migrating runs
// up to and including it, rolling back reverts down to but not including
// it. Steps caps how many migrations the run touches.
type Action struct {
	steps  int
	target string
	keys   []string
}

func WithSteps(steps int) ActionConfigurator {
	return func(a *Action) {
		a.steps = steps
	}
}

func WithTarget(id string) ActionConfigurator {
	return func(a *Action) {
		a.target = id
	}
}

func WithKeys(keys ...string) ActionConfigurator {
	return func(a *Action) {
		a.keys = keys
	}
}
