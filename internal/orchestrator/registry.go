package orchestrator

import "chomp/internal/model"

// Get returns a snapshot of the ingester currently registered under id
// and whether it was found. Mutating the returned value has no effect
// on the orchestrator's copy.
func (o *Orchestrator) Get(id string) (model.Ingester, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[id]
	if !ok {
		return model.Ingester{}, false
	}
	ing := e.ingester
	ing.Fields = append([]model.Field(nil), e.ingester.Fields...)
	return ing, true
}

// Count returns the number of registered ingesters.
func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// Jobs returns the scheduler's job info for every registered ingester,
// for a status endpoint or debug CLI command.
func (o *Orchestrator) Jobs() []JobInfo {
	return o.scheduler.ListJobs()
}
