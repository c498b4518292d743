package results

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/spacer"
)

// HandlerFactory builds a fresh Handler for one batch.
type HandlerFactory func(d *Deps) Handler

// Dispatcher routes spacer results to the handler of their task kind.
type Dispatcher struct {
	deps     *Deps
	handlers map[string]HandlerFactory
}

// NewDispatcher returns a Dispatcher knowing the extract, train and
// classify handlers.
func NewDispatcher(d *Deps) *Dispatcher {
	disp := &Dispatcher{deps: d, handlers: make(map[string]HandlerFactory)}
	for _, f := range []HandlerFactory{NewFeaturesHandler, NewTrainHandler, NewClassifyHandler} {
		disp.Register(f)
	}
	return disp
}

// Register adds or replaces the handler for the factory's job name.
func (disp *Dispatcher) Register(f HandlerFactory) {
	disp.handlers[f(disp.deps).JobName()] = f
}

// HandleSpacerResults groups results by task name and hands each group to
// its handler. Unknown task names are logged and skipped. A failing group
// does not stop the others.
func (disp *Dispatcher) HandleSpacerResults(ctx context.Context, batch []spacer.JobReturnMsg) error {
	var names []string
	byName := make(map[string][]spacer.JobReturnMsg)
	for _, res := range batch {
		name := res.TaskName()
		if _, ok := byName[name]; !ok {
			names = append(names, name)
		}
		byName[name] = append(byName[name], res)
	}

	var errs []error
	for _, name := range names {
		factory, ok := disp.handlers[name]
		if !ok {
			log.Errorf("Spacer task name [%s] not recognized", name)
			continue
		}
		if err := handleJobResults(ctx, disp.deps, factory(disp.deps), byName[name]); err != nil {
			log.Errorf("Handling %s results: %v", name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
