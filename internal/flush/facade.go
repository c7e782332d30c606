package flush

// Facade combines several policies: a flush is due when any of them says
// so, and state updates and resets reach all of them.
type Facade struct {
	policies []Policy
}

// NewFacade combines the given policies.
func NewFacade(policies ...Policy) *Facade {
	return &Facade{policies: policies}
}

// Policies returns the combined policies.
func (f *Facade) Policies() []Policy { return f.policies }

// ShouldFlush consults every policy, so one-shot policies such as Startup
// are consumed even when another policy already answered true.
func (f *Facade) ShouldFlush() bool {
	flush := false
	for _, p := range f.policies {
		if p.ShouldFlush() {
			flush = true
		}
	}
	return flush
}

func (f *Facade) UpdateState() {
	for _, p := range f.policies {
		p.UpdateState()
	}
}

func (f *Facade) Reset() {
	for _, p := range f.policies {
		p.Reset()
	}
}

// Schedule starts every Scheduler among the policies.
func (f *Facade) Schedule(flush func()) {
	for _, p := range f.policies {
		if s, ok := p.(Scheduler); ok {
			s.Schedule(flush)
		}
	}
}

// CancelSchedule stops every Scheduler among the policies.
func (f *Facade) CancelSchedule() {
	for _, p := range f.policies {
		if s, ok := p.(Scheduler); ok {
			s.CancelSchedule()
		}
	}
}
